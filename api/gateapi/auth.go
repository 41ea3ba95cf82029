package gateapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/cmdgate/cmdgate/storage/model"
)

// HeaderAPIKey is the request header carrying the credential
const HeaderAPIKey = "X-API-Key"

const localsPrincipal = "principal"

// credentialFromRequest returns the credential from the X-API-Key header or
// from a bearer token
func credentialFromRequest(c *fiber.Ctx) string {
	if key := strings.TrimSpace(c.Get(HeaderAPIKey)); key != "" {
		return key
	}
	auth := c.Get(fiber.HeaderAuthorization)
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// authMiddleware resolves the credential of every request to a principal and
// rejects the request if that fails
func authMiddleware(principals model.PrincipalsStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, err := principals.Authenticate(c.UserContext(), credentialFromRequest(c))
		if err != nil {
			return writeError(c, err)
		}
		c.Locals(localsPrincipal, p)
		return c.Next()
	}
}

// caller returns the principal resolved by authMiddleware
func caller(c *fiber.Ctx) *model.Principal {
	p, _ := c.Locals(localsPrincipal).(*model.Principal)
	return p
}

// requireAdmin rejects callers that are not admins
func requireAdmin(c *fiber.Ctx) error {
	if p := caller(c); p == nil || !p.IsAdmin() {
		return writeError(c, model.ForbiddenError("admin role required"))
	}
	return c.Next()
}
