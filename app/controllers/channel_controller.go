package controllers

import (
	"github.com/gofiber/fiber/v2"

	"proximeet/app/apperr"
	"proximeet/app/middlewares"
	"proximeet/app/models"
	"proximeet/app/services"
)

// ChannelController exposes match conversations.
type ChannelController struct {
	channel *services.ChannelService
}

func NewChannelController(channel *services.ChannelService) *ChannelController {
	return &ChannelController{channel: channel}
}

// History handles GET /api/matches/:id/messages?limit=n.
func (cc *ChannelController) History(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return apperr.InvalidArg("limit must not be negative")
	}

	msgs, err := cc.channel.History(c.UserContext(), c.Params("id"), middlewares.UserIDFromContext(c), limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return success(c, fiber.StatusOK, msgs)
}

func (cc *ChannelController) PostMessage(c *fiber.Ctx) error {
	var body models.PostMessageBody
	if err := c.BodyParser(&body); err != nil {
		return apperr.InvalidArg("Invalid request body")
	}

	msg, err := cc.channel.PostMessage(c.UserContext(), c.Params("id"), middlewares.UserIDFromContext(c), body.Body)
	if err != nil {
		return err
	}
	return success(c, fiber.StatusCreated, msg)
}
