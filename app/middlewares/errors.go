package middlewares

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"proximeet/app/apperr"
)

// ErrorHandler renders every error returned by a handler as the JSON
// error body. Typed errors keep their code; anything else is a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status := apperr.HTTPStatus(appErr.Code)
		if status >= fiber.StatusInternalServerError {
			log.Printf("❌ %s %s: %v", c.Method(), c.Path(), err)
		}
		return c.Status(status).JSON(fiber.Map{
			"status":  "error",
			"code":    appErr.Code,
			"message": appErr.Message,
		})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"status":  "error",
			"code":    apperr.CodeUnknown,
			"message": fiberErr.Message,
		})
	}

	log.Printf("❌ %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"status":  "error",
		"code":    apperr.CodeUnknown,
		"message": "Internal server error",
	})
}
