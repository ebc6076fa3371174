package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"proximeet/app/models"
	"proximeet/app/store"
)

const (
	presenceKeyPrefix = "presence:"
	cellKeyPrefix     = "cell:"
)

// A presence register is a JSON string at presence:{user}. Each cell is a
// sorted set of user ids scored by expiry in unix millis.

// upsertScript writes ARGV[1] unless the stored record is newer and moves
// the user between cell sets. Returns {applied, stored json}.
var upsertScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local rec = cjson.decode(cur)
  if tonumber(rec.updated_ms) > tonumber(ARGV[2]) then
    return {0, cur}
  end
  if rec.cell ~= '' then
    redis.call('ZREM', ARGV[5] .. rec.cell, ARGV[3])
  end
end
redis.call('SET', KEYS[1], ARGV[1])
if ARGV[4] ~= '' then
  redis.call('ZADD', ARGV[5] .. ARGV[4], ARGV[6], ARGV[3])
end
return {1, ARGV[1]}
`)

// touchScript extends a non-off record seen no earlier than its last write.
// updated_ms is left alone so status writes always win over touches.
var touchScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return false
end
local rec = cjson.decode(cur)
if rec.status == 'off' or tonumber(rec.updated_ms) > tonumber(ARGV[1]) then
  return false
end
rec.last_seen_ms = tonumber(ARGV[1])
rec.expires_ms = tonumber(ARGV[2])
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out)
if rec.cell ~= '' then
  redis.call('ZADD', ARGV[4] .. rec.cell, ARGV[2], ARGV[3])
end
return out
`)

// presenceEntry is the stored form of a PresenceRecord.
type presenceEntry struct {
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	BandMeters int    `json:"band_meters"`
	Cell       string `json:"cell"`
	LastSeenMs int64  `json:"last_seen_ms"`
	ExpiresMs  int64  `json:"expires_ms"`
	UpdatedMs  int64  `json:"updated_ms"`
}

func toEntry(rec models.PresenceRecord) presenceEntry {
	return presenceEntry{
		UserID:     rec.UserID,
		Status:     string(rec.Status),
		BandMeters: rec.BandMeters,
		Cell:       rec.Cell,
		LastSeenMs: rec.LastSeenAt.UnixMilli(),
		ExpiresMs:  rec.ExpiresAt.UnixMilli(),
		UpdatedMs:  rec.UpdatedAt.UnixMilli(),
	}
}

func (e presenceEntry) record() models.PresenceRecord {
	return models.PresenceRecord{
		UserID:     e.UserID,
		Status:     models.PresenceStatus(e.Status),
		BandMeters: e.BandMeters,
		Cell:       e.Cell,
		LastSeenAt: time.UnixMilli(e.LastSeenMs).UTC(),
		ExpiresAt:  time.UnixMilli(e.ExpiresMs).UTC(),
		UpdatedAt:  time.UnixMilli(e.UpdatedMs).UTC(),
	}
}

func decodeEntry(raw string) (models.PresenceRecord, error) {
	var e presenceEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return models.PresenceRecord{}, fmt.Errorf("failed to decode presence: %w", err)
	}
	return e.record(), nil
}

func presenceKey(userID string) string { return presenceKeyPrefix + userID }

func cellKey(cell string) string { return cellKeyPrefix + cell }

// PresenceStore keeps presence registers in Redis.
type PresenceStore struct {
	client *redis.Client
}

// NewPresenceStore creates a presence store on the service's client.
func NewPresenceStore(svc *Service) *PresenceStore {
	return &PresenceStore{client: svc.client}
}

func (p *PresenceStore) UpsertPresence(ctx context.Context, rec models.PresenceRecord) (models.PresenceRecord, bool, error) {
	entry := toEntry(rec)
	if rec.Status == models.PresenceOff {
		entry.Cell = ""
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return models.PresenceRecord{}, false, fmt.Errorf("failed to marshal presence: %w", err)
	}

	result, err := upsertScript.Run(ctx, p.client,
		[]string{presenceKey(rec.UserID)},
		string(raw), entry.UpdatedMs, rec.UserID, entry.Cell, cellKeyPrefix, entry.ExpiresMs,
	).Slice()
	if err != nil {
		return models.PresenceRecord{}, false, fmt.Errorf("failed to upsert presence for %s: %w", rec.UserID, err)
	}
	if len(result) != 2 {
		return models.PresenceRecord{}, false, fmt.Errorf("unexpected upsert reply %v", result)
	}
	applied, _ := result[0].(int64)
	stored, _ := result[1].(string)
	current, err := decodeEntry(stored)
	if err != nil {
		return models.PresenceRecord{}, false, err
	}
	return current, applied == 1, nil
}

func (p *PresenceStore) TouchPresence(ctx context.Context, userID string, seenAt, expiresAt time.Time) (models.PresenceRecord, error) {
	raw, err := touchScript.Run(ctx, p.client,
		[]string{presenceKey(userID)},
		seenAt.UnixMilli(), expiresAt.UnixMilli(), userID, cellKeyPrefix,
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.PresenceRecord{}, store.ErrNotFound
		}
		return models.PresenceRecord{}, fmt.Errorf("failed to touch presence for %s: %w", userID, err)
	}
	return decodeEntry(raw)
}

func (p *PresenceStore) GetPresence(ctx context.Context, userID string) (models.PresenceRecord, error) {
	raw, err := p.client.Get(ctx, presenceKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.PresenceRecord{}, store.ErrNotFound
		}
		return models.PresenceRecord{}, fmt.Errorf("failed to get presence for %s: %w", userID, err)
	}
	return decodeEntry(raw)
}

// ListByCell prunes expired members of the cell set and loads the rest.
func (p *PresenceStore) ListByCell(ctx context.Context, cell, excludeUser string, now time.Time, limit int) ([]models.PresenceRecord, error) {
	key := cellKey(cell)
	nowMs := fmt.Sprintf("%d", now.UnixMilli())

	if err := p.client.ZRemRangeByScore(ctx, key, "-inf", nowMs).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune cell %s: %w", cell, err)
	}
	members, err := p.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + nowMs, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cell %s: %w", cell, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := p.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(members))
	for _, userID := range members {
		if userID == excludeUser {
			continue
		}
		cmds = append(cmds, pipe.Get(ctx, presenceKey(userID)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load cell %s: %w", cell, err)
	}

	var out []models.PresenceRecord
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		rec, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		// The set may lag a concurrent move; the register is authoritative.
		if rec.Cell != cell || !rec.Discoverable(now) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ store.PresenceStore = (*PresenceStore)(nil)
