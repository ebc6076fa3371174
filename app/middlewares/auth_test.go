package middlewares

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximeet/app/apperr"
	"proximeet/app/utils"
)

const testSecret = "middleware-secret"

func newTestApp() *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/whoami", JWTMiddleware(testSecret), func(c *fiber.Ctx) error {
		return c.SendString(UserIDFromContext(c))
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return apperr.StoreUnavailable("load thing", io.ErrUnexpectedEOF)
	})
	return app
}

func TestJWTMiddleware(t *testing.T) {
	app := newTestApp()
	token, err := utils.GenerateToken(testSecret, "alice", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(fiber.MethodGet, "/whoami", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "alice", string(body))
}

func TestJWTMiddlewareRejects(t *testing.T) {
	app := newTestApp()
	tests := map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"bad token":  "Bearer nope",
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/whoami", nil)
			if header != "" {
				req.Header.Set(fiber.HeaderAuthorization, header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

			var out map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, "error", out["status"])
			assert.Equal(t, string(apperr.CodeUnauthenticated), out["code"])
		})
	}
}

func TestErrorHandlerStatus(t *testing.T) {
	app := newTestApp()
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
