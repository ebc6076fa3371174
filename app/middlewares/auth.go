package middlewares

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"proximeet/app/apperr"
	"proximeet/app/utils"
)

const userIDKey = "user_id"

// JWTMiddleware requires a valid bearer token and stores the caller's id
// in the request locals.
func JWTMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return apperr.Wrap(apperr.CodeUnauthenticated, "Authorization header is required", nil)
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return apperr.Wrap(apperr.CodeUnauthenticated, "Invalid authorization header format", nil)
		}

		claims, err := utils.ParseToken(secret, strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			return apperr.Wrap(apperr.CodeUnauthenticated, "Invalid or expired token", err)
		}

		c.Locals(userIDKey, claims.UserID)
		return c.Next()
	}
}

// UserIDFromContext returns the id stored by JWTMiddleware, or "".
func UserIDFromContext(c *fiber.Ctx) string {
	userID, _ := c.Locals(userIDKey).(string)
	return userID
}
