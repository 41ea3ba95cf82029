package gateapi

import (
	"embed"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cmdgate/cmdgate/internal/admin"
	"github.com/cmdgate/cmdgate/internal/admission"
	"github.com/cmdgate/cmdgate/internal/audit"
	"github.com/cmdgate/cmdgate/internal/metrics"
	"github.com/cmdgate/cmdgate/internal/rules"
	"github.com/cmdgate/cmdgate/storage/model"
)

//go:embed openapi.yaml
var assets embed.FS

// Services are the components the API delegates to
type Services struct {
	Principals model.PrincipalsStore
	Pipeline   *admission.Pipeline
	Matcher    *rules.Matcher
	Audit      *audit.Service
	Admin      *admin.Service
}

// Options controls optional features of the API registration.
type Options struct {
	// ServerURL is advertised in the served OpenAPI document
	ServerURL string
	RateLimit RateLimit
	Metrics   *metrics.Metrics
}

// Register mounts all API routes under the provided router.
func Register(r fiber.Router, services Services, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}
	openapiRaw, err := assets.ReadFile("openapi.yaml")
	if err != nil {
		return errors.Wrap(err, "gateapi: failed to read openapi.yaml")
	}
	openapiData := updateOpenAPIServers(openapiRaw, opts.ServerURL)

	r.Get(
		"/openapi.yaml", func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderContentType, "application/yaml")
			return c.Send(openapiData)
		},
	)

	// mounted per resource so unknown paths still fall through to 404
	var auth guard
	if opts.RateLimit.RequestsPerSecond > 0 {
		auth = append(auth, rateLimitMiddleware(opts.RateLimit, opts.Metrics))
	}
	auth = append(auth, authMiddleware(services.Principals))

	registerMe(r, auth)
	registerCommands(r, auth, services.Pipeline)
	registerLogs(r, auth, services.Audit, services.Admin)
	registerRules(r, auth, services.Matcher, services.Admin)
	registerUsers(r, auth, services.Admin)
	registerSettings(r, auth, services.Pipeline, services.Admin)
	return nil
}

// guard is the middleware chain every authenticated route runs first
type guard []fiber.Handler

// with returns a fresh chain of the guard followed by handlers
func (g guard) with(handlers ...fiber.Handler) []fiber.Handler {
	chain := make([]fiber.Handler, 0, len(g)+len(handlers))
	chain = append(chain, g...)
	return append(chain, handlers...)
}

func updateOpenAPIServers(doc []byte, serverURL string) []byte {
	if len(serverURL) == 0 {
		return doc
	}
	// Unmarshal full doc
	var full map[string]any
	if err := yaml.Unmarshal(doc, &full); err != nil {
		return doc
	}
	full["servers"] = []map[string]any{
		{
			"url":         serverURL,
			"description": "This instance",
		},
	}
	res, err := yaml.Marshal(full)
	if err != nil {
		return doc
	}
	return res
}
