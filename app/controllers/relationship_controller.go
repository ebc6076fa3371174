package controllers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"proximeet/app/apperr"
	"proximeet/app/middlewares"
	"proximeet/app/models"
	"proximeet/app/services"
)

// RelationshipController exposes connect requests and matches.
type RelationshipController struct {
	relationships *services.RelationshipService
	identity      services.IdentityDirectory
}

func NewRelationshipController(relationships *services.RelationshipService, identity services.IdentityDirectory) *RelationshipController {
	return &RelationshipController{relationships: relationships, identity: identity}
}

func (rc *RelationshipController) ListRequests(c *fiber.Ctx) error {
	pending, err := rc.relationships.ListPending(c.UserContext(), middlewares.UserIDFromContext(c))
	if err != nil {
		return err
	}
	return success(c, fiber.StatusOK, pending)
}

// SendRequest answers 201 for a new request and 200 with already_sent
// when the same request is still pending.
func (rc *RelationshipController) SendRequest(c *fiber.Ctx) error {
	var body models.SendRequestBody
	if err := c.BodyParser(&body); err != nil {
		return apperr.InvalidArg("Invalid request body")
	}

	req, err := rc.relationships.SendRequest(c.UserContext(), middlewares.UserIDFromContext(c), body.ToUser)
	if errors.Is(err, apperr.ErrDuplicateRequest) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":       "success",
			"already_sent": true,
			"data":         req,
		})
	}
	if err != nil {
		return err
	}
	return success(c, fiber.StatusCreated, req)
}

func (rc *RelationshipController) Respond(c *fiber.Ctx) error {
	var body models.RespondBody
	if err := c.BodyParser(&body); err != nil {
		return apperr.InvalidArg("Invalid request body")
	}

	result, err := rc.relationships.Respond(c.UserContext(), c.Params("id"), middlewares.UserIDFromContext(c), body.Decision)
	if err != nil {
		return err
	}
	return success(c, fiber.StatusOK, result)
}

// ListMatches returns the caller's matches with the peer's display label.
func (rc *RelationshipController) ListMatches(c *fiber.Ctx) error {
	userID := middlewares.UserIDFromContext(c)
	matches, err := rc.relationships.ListMatches(c.UserContext(), userID)
	if err != nil {
		return err
	}

	out := make([]models.MatchResponse, 0, len(matches))
	peers := make([]string, 0, len(matches))
	for _, m := range matches {
		peer := m.Peer(userID)
		out = append(out, models.MatchResponse{Match: m, PeerUser: peer})
		peers = append(peers, peer)
	}

	if rc.identity != nil && len(peers) > 0 {
		labels, err := rc.identity.Labels(c.UserContext(), peers)
		if err != nil {
			log.Printf("⚠️ Peer label lookup failed: %v", err)
		}
		for i := range out {
			out[i].PeerLabel = labels[out[i].PeerUser]
		}
	}
	return success(c, fiber.StatusOK, out)
}
