package config

import (
	"github.com/pkg/errors"
)

type rulesConf struct {
	MaxPatternLength int `yaml:"max_pattern_length"`
	// Redis enables rule change fan-out between replicas
	Redis redisConf `yaml:"redis"`
}

type redisConf struct {
	Addr     string `yaml:"addr" envconfig:"REDIS_ADDR"`
	Username string `yaml:"username"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Enabled reports whether a redis server is configured
func (c redisConf) Enabled() bool {
	return c.Addr != ""
}

func (c *rulesConf) validate() error {
	if c.MaxPatternLength <= 0 {
		return errors.New("error in rules conf: max_pattern_length must be positive")
	}
	return nil
}

var defaultRulesConf = rulesConf{
	MaxPatternLength: 1024,
}
