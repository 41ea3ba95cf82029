package gateapi

import (
	"github.com/gofiber/fiber/v2"
)

func registerMe(r fiber.Router, auth guard) {
	r.Get(
		"/me", auth.with(
			func(c *fiber.Ctx) error {
				return c.JSON(caller(c))
			},
		)...,
	)
}
