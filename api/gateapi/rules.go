package gateapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cmdgate/cmdgate/internal/admin"
	"github.com/cmdgate/cmdgate/internal/rules"
	"github.com/cmdgate/cmdgate/storage/model"
)

func registerRules(r fiber.Router, auth guard, matcher *rules.Matcher, adminService *admin.Service) {
	g := r.Group("/rules", auth...)

	g.Get(
		"/", func(c *fiber.Ctx) error {
			list, err := matcher.ListRules(c.UserContext())
			if err != nil {
				return writeError(c, err)
			}
			return c.JSON(list)
		},
	)

	g.Post(
		"/", requireAdmin, func(c *fiber.Ctx) error {
			var req model.AddRule
			if err := c.BodyParser(&req); err != nil {
				return invalidRequest(c, "invalid body")
			}
			rule, err := adminService.AddRule(c.UserContext(), caller(c), req)
			if err != nil {
				return writeError(c, err)
			}
			return c.Status(fiber.StatusCreated).JSON(rule)
		},
	)

	g.Delete(
		"/:id", requireAdmin, func(c *fiber.Ctx) error {
			id, err := c.ParamsInt("id")
			if err != nil || id <= 0 {
				return invalidRequest(c, "invalid rule id")
			}
			if err = adminService.DeleteRule(c.UserContext(), caller(c), uint(id)); err != nil {
				return writeError(c, err)
			}
			return c.SendStatus(fiber.StatusNoContent)
		},
	)
}
