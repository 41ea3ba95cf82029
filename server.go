package cmdgate

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

// ServerConf configures the http server
type ServerConf struct {
	IPListen          string   `yaml:"ip_listen"`
	Port              int      `yaml:"port"`
	TLS               tlsConf  `yaml:"tls"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
	ForwardedIPHeader string   `yaml:"forwarded_ip_header"`
}

type tlsConf struct {
	Enabled      bool   `yaml:"enabled"`
	RedirectHTTP bool   `yaml:"redirect_http"`
	Cert         string `yaml:"cert"`
	Key          string `yaml:"key"`
}

func (c ServerConf) addr(port int) string {
	return fmt.Sprintf("%s:%d", c.IPListen, port)
}

// newRedirectServer answers every plain http request with a permanent
// redirect to https
func newRedirectServer(conf ServerConf) *fiber.App {
	httpServer := fiber.New(newFiberConfig(conf))
	httpServer.All(
		"*", func(ctx *fiber.Ctx) error {
			//goland:noinspection HttpUrlsUsage
			return ctx.Redirect(
				strings.Replace(ctx.Request().URI().String(), "http://", "https://", 1),
				fiber.StatusPermanentRedirect,
			)
		},
	)
	return httpServer
}

// Start serves the gate until the server fails or Shutdown is called; a
// clean shutdown returns nil. With TLS enabled the gate listens on 443 and
// optionally redirects plain http from port 80.
func (g *Gate) Start() error {
	conf := g.serverConf
	if !conf.TLS.Enabled {
		log.WithField("port", conf.Port).Info("TLS is disabled starting http server")
		return g.server.Listen(conf.addr(conf.Port))
	}
	// TLS enabled
	if g.redirect != nil {
		log.Info("TLS and http redirect enabled, starting redirect server on port 80")
		go func() {
			if err := g.redirect.Listen(conf.addr(80)); err != nil {
				log.WithError(err).Error("redirect server stopped")
			}
		}()
	}
	time.Sleep(time.Millisecond) // keeps the tls log line after the http one
	log.Info("TLS enabled, starting https server on port 443")
	return g.server.ListenTLS(conf.addr(443), conf.TLS.Cert, conf.TLS.Key)
}
