package config

import (
	"github.com/pkg/errors"
	"github.com/zachmann/go-utils/fileutils"
)

// bootstrapConf controls what is created on an empty database
type bootstrapConf struct {
	// Disabled skips seeding completely
	Disabled bool `yaml:"disabled"`
	// AdminAPIKey is the credential of the seeded admin account; if empty a
	// random one is generated and logged once
	AdminAPIKey string `yaml:"admin_api_key" envconfig:"ADMIN_API_KEY"`
	// SeedFile replaces the built-in seed with principals and rules from a
	// YAML file
	SeedFile string `yaml:"seed_file"`
}

func (c *bootstrapConf) validate() error {
	if c.SeedFile != "" && !fileutils.FileExists(c.SeedFile) {
		return errors.Errorf("error in bootstrap conf: seed file '%s' does not exist", c.SeedFile)
	}
	return nil
}

var defaultBootstrapConf = bootstrapConf{}
