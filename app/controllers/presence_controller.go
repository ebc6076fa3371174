package controllers

import (
	"github.com/gofiber/fiber/v2"

	"proximeet/app/apperr"
	"proximeet/app/middlewares"
	"proximeet/app/models"
	"proximeet/app/services"
)

// PresenceController exposes the presence register and discovery.
type PresenceController struct {
	presence  *services.PresenceService
	discovery *services.DiscoveryService
}

func NewPresenceController(presence *services.PresenceService, discovery *services.DiscoveryService) *PresenceController {
	return &PresenceController{presence: presence, discovery: discovery}
}

// GetPresence returns the caller's own record.
func (pc *PresenceController) GetPresence(c *fiber.Ctx) error {
	rec, err := pc.presence.Get(c.UserContext(), middlewares.UserIDFromContext(c))
	if err != nil {
		return err
	}
	return success(c, fiber.StatusOK, rec)
}

// SetPresence handles PUT /api/presence. The position is encoded into a
// cell by the service and never stored.
func (pc *PresenceController) SetPresence(c *fiber.Ctx) error {
	var req models.SetStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.InvalidArg("Invalid request body")
	}

	rec, err := pc.presence.SetStatus(c.UserContext(), middlewares.UserIDFromContext(c), req.Status, req.BandMeters, req.Position)
	if err != nil {
		return err
	}
	return success(c, fiber.StatusOK, rec)
}

func (pc *PresenceController) Heartbeat(c *fiber.Ctx) error {
	rec, err := pc.presence.Heartbeat(c.UserContext(), middlewares.UserIDFromContext(c))
	if err != nil {
		return err
	}
	return success(c, fiber.StatusOK, rec)
}

// Nearby lists the other visible users in the caller's cell.
func (pc *PresenceController) Nearby(c *fiber.Ctx) error {
	nearby, err := pc.discovery.FindNearby(c.UserContext(), middlewares.UserIDFromContext(c))
	if err != nil {
		return err
	}
	if nearby == nil {
		nearby = []models.NearbyUser{}
	}
	return success(c, fiber.StatusOK, nearby)
}
