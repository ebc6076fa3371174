// app/routes/routes.go
package routes

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"

	"proximeet/app/controllers"
	"proximeet/app/middlewares"
	"proximeet/config"
)

// HealthCheck pings one backend.
type HealthCheck func(ctx context.Context) error

// Handlers groups everything SetupRoutes mounts.
type Handlers struct {
	Presence      *controllers.PresenceController
	Relationships *controllers.RelationshipController
	Channel       *controllers.ChannelController
	JWTSecret     string
	Health        map[string]HealthCheck
}

func SetupRoutes(app *fiber.App, h Handlers) {
	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		services := map[string]string{}
		status := "ok"

		names := make([]string, 0, len(h.Health))
		for name := range h.Health {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			err := h.Health[name](ctx)
			cancel()
			if err != nil {
				services[name] = "error: " + err.Error()
				status = "degraded"
			} else {
				services[name] = "ok"
			}
		}

		code := fiber.StatusOK
		if status != "ok" {
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"services":  services,
		})
	})

	// API version endpoint
	app.Get("/api/version", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":   config.AppVersion,
			"name":      config.AppName,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	api := app.Group("/api", middlewares.JWTMiddleware(h.JWTSecret))

	api.Get("/presence", h.Presence.GetPresence)
	api.Put("/presence", h.Presence.SetPresence)
	api.Post("/presence/heartbeat", h.Presence.Heartbeat)
	api.Get("/nearby", h.Presence.Nearby)

	api.Get("/requests", h.Relationships.ListRequests)
	api.Post("/requests", h.Relationships.SendRequest)
	api.Post("/requests/:id/respond", h.Relationships.Respond)
	api.Get("/matches", h.Relationships.ListMatches)

	api.Get("/matches/:id/messages", h.Channel.History)
	api.Post("/matches/:id/messages", h.Channel.PostMessage)
}
