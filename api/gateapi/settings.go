package gateapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cmdgate/cmdgate/internal/admin"
	"github.com/cmdgate/cmdgate/internal/admission"
)

type commandCost struct {
	CommandCost int64 `json:"command_cost"`
}

func registerSettings(r fiber.Router, auth guard, pipeline *admission.Pipeline, adminService *admin.Service) {
	g := r.Group("/settings", auth...)

	g.Get(
		"/command_cost", func(c *fiber.Ctx) error {
			cost, err := pipeline.CommandCost(c.UserContext())
			if err != nil {
				return writeError(c, err)
			}
			return c.JSON(commandCost{CommandCost: cost})
		},
	)

	g.Put(
		"/command_cost", requireAdmin, func(c *fiber.Ctx) error {
			var req commandCost
			if err := c.BodyParser(&req); err != nil {
				return invalidRequest(c, "invalid body")
			}
			if err := adminService.SetCommandCost(c.UserContext(), caller(c), req.CommandCost); err != nil {
				return writeError(c, err)
			}
			return c.JSON(req)
		},
	)
}
