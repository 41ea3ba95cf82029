package config

import (
	"github.com/pkg/errors"
)

// apiConf holds API-related configuration
type apiConf struct {
	// BasePath is the path prefix all API routes are mounted under
	BasePath string `yaml:"base_path"`
	// PublicURL is advertised in the served OpenAPI document
	PublicURL string        `yaml:"public_url"`
	RateLimit rateLimitConf `yaml:"rate_limit"`
}

// rateLimitConf configures the per-credential token bucket. A zero rate
// disables limiting.
type rateLimitConf struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

func (c *apiConf) validate() error {
	if c.RateLimit.RequestsPerSecond < 0 {
		return errors.New("error in api conf: rate_limit.requests_per_second must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.RequestsPerSecond) + 1
	}
	return nil
}

var defaultAPIConf = apiConf{
	BasePath: "/",
}
