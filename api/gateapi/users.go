package gateapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cmdgate/cmdgate/internal/admin"
	"github.com/cmdgate/cmdgate/storage/model"
)

type generatedPrincipal struct {
	*model.Principal
	APIKey string `json:"api_key"`
}

type creditRequest struct {
	Amount int64 `json:"amount"`
}

func targetKey(c *fiber.Ctx) (string, error) {
	key := c.Query("target_key")
	if key == "" {
		return "", model.ValidationError("target_key is required")
	}
	return key, nil
}

// registerUsers mounts the principal management routes; all of them are
// admin only
func registerUsers(r fiber.Router, auth guard, adminService *admin.Service) {
	g := r.Group("/users", auth.with(requireAdmin)...)

	g.Get(
		"/", func(c *fiber.Ctx) error {
			list, err := adminService.ListPrincipals(c.UserContext(), caller(c))
			if err != nil {
				return writeError(c, err)
			}
			return c.JSON(list)
		},
	)

	g.Post(
		"/generate", func(c *fiber.Ctx) error {
			var req admin.NewPrincipal
			if err := c.BodyParser(&req); err != nil {
				return invalidRequest(c, "invalid body")
			}
			p, credential, err := adminService.CreatePrincipal(c.UserContext(), caller(c), req)
			if err != nil {
				return writeError(c, err)
			}
			return c.Status(fiber.StatusCreated).JSON(generatedPrincipal{Principal: p, APIKey: credential})
		},
	)

	g.Get(
		"/search", func(c *fiber.Ctx) error {
			key, err := targetKey(c)
			if err != nil {
				return writeError(c, err)
			}
			p, err := adminService.FindPrincipal(c.UserContext(), caller(c), key)
			if err != nil {
				return writeError(c, err)
			}
			return c.JSON(p)
		},
	)

	g.Put(
		"/update", func(c *fiber.Ctx) error {
			key, err := targetKey(c)
			if err != nil {
				return writeError(c, err)
			}
			var req admin.PrincipalChanges
			if err = c.BodyParser(&req); err != nil {
				return invalidRequest(c, "invalid body")
			}
			p, err := adminService.UpdatePrincipal(c.UserContext(), caller(c), key, req)
			if err != nil {
				return writeError(c, err)
			}
			return c.JSON(p)
		},
	)

	g.Delete(
		"/delete", func(c *fiber.Ctx) error {
			key, err := targetKey(c)
			if err != nil {
				return writeError(c, err)
			}
			if err = adminService.DeletePrincipal(c.UserContext(), caller(c), key); err != nil {
				return writeError(c, err)
			}
			return c.SendStatus(fiber.StatusNoContent)
		},
	)

	g.Post(
		"/credit", func(c *fiber.Ctx) error {
			key, err := targetKey(c)
			if err != nil {
				return writeError(c, err)
			}
			var req creditRequest
			if err = c.BodyParser(&req); err != nil {
				return invalidRequest(c, "invalid body")
			}
			p, err := adminService.CreditPrincipal(c.UserContext(), caller(c), key, req.Amount)
			if err != nil {
				return writeError(c, err)
			}
			return c.JSON(p)
		},
	)
}
