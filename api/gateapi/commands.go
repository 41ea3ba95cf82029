package gateapi

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/cmdgate/cmdgate/internal/admission"
)

type commandRequest struct {
	CommandText string `json:"command_text"`
}

func registerCommands(r fiber.Router, auth guard, pipeline *admission.Pipeline) {
	r.Post(
		"/commands", auth.with(
			func(c *fiber.Ctx) error {
				start := time.Now()
				var req commandRequest
				if err := c.BodyParser(&req); err != nil {
					return invalidRequest(c, "invalid body")
				}
				res, err := pipeline.AdmitAs(c.UserContext(), caller(c), req.CommandText, start)
				if err != nil {
					return writeError(c, err)
				}
				if res.Insufficient {
					c.Status(fiber.StatusPaymentRequired)
				}
				return c.JSON(res)
			},
		)...,
	)
}
