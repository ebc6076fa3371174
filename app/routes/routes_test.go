package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximeet/app/controllers"
	"proximeet/app/middlewares"
	"proximeet/app/notify"
	"proximeet/app/services"
	"proximeet/app/store/memory"
	"proximeet/app/utils"
	"proximeet/config"
)

const testSecret = "routes-secret"

type envelope struct {
	Status      string          `json:"status"`
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	AlreadySent bool            `json:"already_sent"`
	Data        json.RawMessage `json:"data"`
}

func newTestApp(t *testing.T, health map[string]HealthCheck) *fiber.App {
	t.Helper()
	st := memory.New()
	bridge := notify.NewMemoryBridge()
	identity := services.NewMemoryDirectory(map[string]string{"user-a": "Ana", "user-b": "Ben"})

	presence := services.NewPresenceService(st, bridge, 0, 0)
	discovery := services.NewDiscoveryService(st, identity, 0)
	relationships := services.NewRelationshipService(st, bridge)
	channel := services.NewChannelService(relationships, st, bridge, 0)

	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler})
	SetupRoutes(app, Handlers{
		Presence:      controllers.NewPresenceController(presence, discovery),
		Relationships: controllers.NewRelationshipController(relationships, identity),
		Channel:       controllers.NewChannelController(channel),
		JWTSecret:     testSecret,
		Health:        health,
	})
	return app
}

func call(t *testing.T, app *fiber.App, user, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if user != "" {
		token, err := utils.GenerateToken(testSecret, user, time.Minute)
		require.NoError(t, err)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHTTPFlow(t *testing.T) {
	app := newTestApp(t, nil)

	status, out := call(t, app, "user-a", http.MethodGet, "/api/nearby", nil)
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, "no_cell_set", out.Code)

	status, out = call(t, app, "user-a", http.MethodPut, "/api/presence", map[string]interface{}{
		"status": "full", "band_meters": 500, "position": map[string]float64{"lat": 37.7749, "lng": -122.4194},
	})
	require.Equal(t, http.StatusOK, status, out.Message)
	status, _ = call(t, app, "user-b", http.MethodPut, "/api/presence", map[string]interface{}{
		"status": "full", "band_meters": 500, "position": map[string]float64{"lat": 37.7750, "lng": -122.4195},
	})
	require.Equal(t, http.StatusOK, status)

	status, out = call(t, app, "user-a", http.MethodGet, "/api/nearby", nil)
	require.Equal(t, http.StatusOK, status)
	nearby := decode[[]map[string]string](t, out.Data)
	require.Len(t, nearby, 1)
	assert.Equal(t, "user-b", nearby[0]["user_id"])
	assert.Equal(t, "Ben", nearby[0]["label"])

	status, out = call(t, app, "user-a", http.MethodPost, "/api/requests", map[string]string{"to_user": "user-b"})
	require.Equal(t, http.StatusCreated, status)
	requestID := decode[map[string]interface{}](t, out.Data)["id"].(string)

	status, out = call(t, app, "user-a", http.MethodPost, "/api/requests", map[string]string{"to_user": "user-b"})
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, out.AlreadySent)

	status, out = call(t, app, "user-a", http.MethodPost, "/api/requests/"+requestID+"/respond", map[string]string{"decision": "accept"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_authorized", out.Code)

	status, out = call(t, app, "user-b", http.MethodPost, "/api/requests/"+requestID+"/respond", map[string]string{"decision": "accept"})
	require.Equal(t, http.StatusOK, status)

	status, out = call(t, app, "user-b", http.MethodPost, "/api/requests/"+requestID+"/respond", map[string]string{"decision": "decline"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_resolved", out.Code)

	status, out = call(t, app, "user-a", http.MethodGet, "/api/matches", nil)
	require.Equal(t, http.StatusOK, status)
	matches := decode[[]map[string]interface{}](t, out.Data)
	require.Len(t, matches, 1)
	assert.Equal(t, "user-b", matches[0]["peer_user"])
	assert.Equal(t, "Ben", matches[0]["peer_label"])
	matchID := matches[0]["id"].(string)

	status, out = call(t, app, "user-a", http.MethodPost, "/api/matches/"+matchID+"/messages", map[string]string{"body": "   "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "empty_body", out.Code)

	status, _ = call(t, app, "user-a", http.MethodPost, "/api/matches/"+matchID+"/messages", map[string]string{"body": "hi"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = call(t, app, "user-b", http.MethodPost, "/api/matches/"+matchID+"/messages", map[string]string{"body": "hello"})
	require.Equal(t, http.StatusCreated, status)

	status, out = call(t, app, "user-b", http.MethodGet, "/api/matches/"+matchID+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	history := decode[[]map[string]interface{}](t, out.Data)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0]["body"])
	assert.Equal(t, "hello", history[1]["body"])

	status, out = call(t, app, "user-c", http.MethodGet, "/api/matches/"+matchID+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_a_participant", out.Code)
}

func TestPresenceEndpoints(t *testing.T) {
	app := newTestApp(t, nil)

	status, out := call(t, app, "user-a", http.MethodGet, "/api/presence", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, out = call(t, app, "user-a", http.MethodPut, "/api/presence", map[string]interface{}{"status": "limited"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "permission_denied", out.Code)

	status, out = call(t, app, "user-a", http.MethodPost, "/api/presence/heartbeat", nil)
	assert.Equal(t, http.StatusPreconditionFailed, status)

	status, _ = call(t, app, "user-a", http.MethodPut, "/api/presence", map[string]interface{}{
		"status": "limited", "band_meters": 100, "position": map[string]float64{"lat": 1, "lng": 2},
	})
	require.Equal(t, http.StatusOK, status)
	status, _ = call(t, app, "user-a", http.MethodPost, "/api/presence/heartbeat", nil)
	assert.Equal(t, http.StatusOK, status)

	status, out = call(t, app, "user-a", http.MethodPut, "/api/presence", map[string]interface{}{"status": "off"})
	require.Equal(t, http.StatusOK, status)
	rec := decode[map[string]interface{}](t, out.Data)
	assert.Equal(t, "off", rec["status"])
	assert.NotContains(t, rec, "cell")
}

func TestUnauthenticated(t *testing.T) {
	app := newTestApp(t, nil)
	status, out := call(t, app, "", http.MethodGet, "/api/matches", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", out.Code)
}

func TestHealthAndVersion(t *testing.T) {
	app := newTestApp(t, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/version", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var version struct {
		Version string `json:"version"`
		Name    string `json:"name"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&version))
	assert.Equal(t, config.AppVersion, version.Version)
	assert.Equal(t, config.AppName, version.Name)

	degraded := newTestApp(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	resp, err = degraded.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var out struct {
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Services["redis"], "connection refused")
}
