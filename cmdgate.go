package cmdgate

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/cmdgate/cmdgate/api/gateapi"
	"github.com/cmdgate/cmdgate/internal/admin"
	"github.com/cmdgate/cmdgate/internal/admission"
	"github.com/cmdgate/cmdgate/internal/audit"
	"github.com/cmdgate/cmdgate/internal/ledger"
	"github.com/cmdgate/cmdgate/internal/metrics"
	"github.com/cmdgate/cmdgate/internal/rules"
	"github.com/cmdgate/cmdgate/internal/version"
	"github.com/cmdgate/cmdgate/storage/model"
)

// Config holds the settings of a Gate that are not about the http listener
type Config struct {
	// CommandCost is the default cost of an executed command
	CommandCost      int64
	MinBalance       int64
	MaxCommandLength int
	MaxPatternLength int
	RateLimit        gateapi.RateLimit
	// BasePath is the prefix all API routes are mounted under
	BasePath string
	// PublicURL is advertised in the OpenAPI document
	PublicURL string
	// MetricsPath enables the prometheus endpoint if set
	MetricsPath string
	// Notifier fans rule changes out to other replicas
	Notifier rules.Notifier
	// AccessLog receives the http access log; nil disables it
	AccessLog io.Writer
}

// Gate wires the admission pipeline and its supporting services to an http
// server
type Gate struct {
	server     *fiber.App
	redirect   *fiber.App
	serverConf ServerConf
	backends   model.Backends
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	matcher    *rules.Matcher
	ledger     *ledger.Ledger
	pipeline   *admission.Pipeline
	audit      *audit.Service
	admin      *admin.Service
}

// FiberServerConfig is the fiber.Config that is used to init the http fiber.App
var FiberServerConfig = fiber.Config{
	ReadTimeout:    3 * time.Second,
	WriteTimeout:   20 * time.Second,
	IdleTimeout:    150 * time.Second,
	ReadBufferSize: 8192,
	BodyLimit:      64 * 1024,
	ErrorHandler:   handleError,
	Network:        "tcp",
	ServerHeader:   version.UserAgent(),
}

func newFiberConfig(serverConf ServerConf) fiber.Config {
	c := FiberServerConfig
	if tps := serverConf.TrustedProxies; len(tps) > 0 {
		c.TrustedProxies = tps
		c.EnableTrustedProxyCheck = true
	}
	c.ProxyHeader = serverConf.ForwardedIPHeader
	return c
}

// NewGate creates a new Gate
func NewGate(ctx context.Context, serverConf ServerConf, backends model.Backends, conf Config) (*Gate, error) {
	g := &Gate{
		serverConf: serverConf,
		backends:   backends,
	}
	if conf.MetricsPath != "" {
		g.registry = prometheus.NewRegistry()
		g.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		g.metrics = metrics.New(g.registry)
	}

	var err error
	g.matcher, err = rules.NewMatcher(
		ctx, backends.Rules, rules.Options{
			MaxPatternLength: conf.MaxPatternLength,
			Notifier:         conf.Notifier,
			Metrics:          g.metrics,
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not load rules")
	}
	g.ledger = ledger.New(backends.Ledger, conf.MinBalance)
	g.pipeline = admission.NewPipeline(
		backends, g.matcher, g.ledger, admission.Options{
			CommandCost:      conf.CommandCost,
			MaxCommandLength: conf.MaxCommandLength,
			Metrics:          g.metrics,
		},
	)
	g.audit = audit.NewService(backends, g.metrics)
	g.admin = admin.NewService(backends, g.matcher, g.ledger, g.audit)

	server := fiber.New(newFiberConfig(serverConf))
	server.Use(recover.New())
	server.Use(compress.New())
	if conf.AccessLog != nil {
		server.Use(logger.New(logger.Config{Output: conf.AccessLog}))
	}
	server.Use(requestid.New())
	if g.registry != nil {
		server.Get(
			conf.MetricsPath,
			adaptor.HTTPHandler(promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{Registry: g.registry})),
		)
	}

	basePath := conf.BasePath
	if basePath == "" {
		basePath = "/"
	}
	if err = gateapi.Register(
		server.Group(basePath), gateapi.Services{
			Principals: backends.Principals,
			Pipeline:   g.pipeline,
			Matcher:    g.matcher,
			Audit:      g.audit,
			Admin:      g.admin,
		}, &gateapi.Options{
			ServerURL: conf.PublicURL,
			RateLimit: conf.RateLimit,
			Metrics:   g.metrics,
		},
	); err != nil {
		return nil, err
	}
	g.server = server
	if serverConf.TLS.Enabled && serverConf.TLS.RedirectHTTP {
		g.redirect = newRedirectServer(serverConf)
	}
	return g, nil
}

// Matcher returns the rule matcher of the gate
func (g *Gate) Matcher() *rules.Matcher {
	return g.matcher
}

// Pipeline returns the admission pipeline of the gate
func (g *Gate) Pipeline() *admission.Pipeline {
	return g.pipeline
}

// Audit returns the audit service of the gate
func (g *Gate) Audit() *audit.Service {
	return g.audit
}

// Admin returns the admin service of the gate
func (g *Gate) Admin() *admin.Service {
	return g.admin
}

// HttpHandlerFunc returns an http.HandlerFunc for serving all the necessary endpoints
func (g *Gate) HttpHandlerFunc() http.HandlerFunc {
	return adaptor.FiberApp(g.server)
}

// Listen starts an http server at the specific address
func (g *Gate) Listen(addr string) error {
	return g.server.Listen(addr)
}

// Shutdown stops the server and waits for in-flight requests until ctx
// expires. Start returns nil afterwards.
func (g *Gate) Shutdown(ctx context.Context) error {
	if g.redirect != nil {
		if err := g.redirect.ShutdownWithContext(ctx); err != nil {
			log.WithError(err).Warn("could not stop redirect server")
		}
	}
	return g.server.ShutdownWithContext(ctx)
}
