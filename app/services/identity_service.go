package services

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// IdentityDirectory resolves display labels for opaque user ids. Ids
// without a label are absent from the result.
type IdentityDirectory interface {
	Labels(ctx context.Context, userIDs []string) (map[string]string, error)
}

// MongoDirectory reads labels from a users collection whose documents are
// {_id: <user id>, display_name: <label>}.
type MongoDirectory struct {
	usersCollection *mongo.Collection
}

func NewMongoDirectory(usersCollection *mongo.Collection) *MongoDirectory {
	return &MongoDirectory{usersCollection: usersCollection}
}

type userDocument struct {
	ID          string `bson:"_id"`
	DisplayName string `bson:"display_name"`
}

func (d *MongoDirectory) Labels(ctx context.Context, userIDs []string) (map[string]string, error) {
	labels := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return labels, nil
	}
	cursor, err := d.usersCollection.Find(ctx, bson.M{"_id": bson.M{"$in": userIDs}})
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc userDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
		if doc.DisplayName != "" {
			labels[doc.ID] = doc.DisplayName
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return labels, nil
}

// MemoryDirectory is a fixed in-process label table.
type MemoryDirectory struct {
	mu     sync.RWMutex
	labels map[string]string
}

func NewMemoryDirectory(labels map[string]string) *MemoryDirectory {
	d := &MemoryDirectory{labels: make(map[string]string, len(labels))}
	for id, label := range labels {
		d.labels[id] = label
	}
	return d
}

// SetLabel adds or replaces one label.
func (d *MemoryDirectory) SetLabel(userID, label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.labels[userID] = label
}

func (d *MemoryDirectory) Labels(_ context.Context, userIDs []string) (map[string]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if label, ok := d.labels[id]; ok {
			out[id] = label
		}
	}
	return out, nil
}

var (
	_ IdentityDirectory = (*MongoDirectory)(nil)
	_ IdentityDirectory = (*MemoryDirectory)(nil)
)
