package config

import (
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/cmdgate/cmdgate"
)

// EnvPrefix is the prefix of environment variables that override the config
// file, e.g. CMDGATE_STORAGE_DSN
const EnvPrefix = "cmdgate"

// Config holds the configuration of the gate
type Config struct {
	Server    cmdgate.ServerConf `yaml:"server"`
	Storage   storageConf        `yaml:"storage"`
	Logging   loggingConf        `yaml:"logging"`
	API       apiConf            `yaml:"api"`
	Pipeline  pipelineConf       `yaml:"pipeline"`
	Rules     rulesConf          `yaml:"rules"`
	Bootstrap bootstrapConf      `yaml:"bootstrap"`
	Metrics   metricsConf        `yaml:"metrics"`
	Archive   archiveConf        `yaml:"archive"`
}

var conf *Config

// Get returns the loaded config
func Get() *Config {
	return conf
}

// Defaults returns a Config with all default values set
func Defaults() Config {
	return Config{
		Server:    defaultServerConf,
		Storage:   defaultStorageConf,
		Logging:   defaultLoggingConf,
		API:       defaultAPIConf,
		Pipeline:  defaultPipelineConf,
		Rules:     defaultRulesConf,
		Bootstrap: defaultBootstrapConf,
		Metrics:   defaultMetricsConf,
	}
}

var defaultServerConf = cmdgate.ServerConf{
	Port: 8080,
}

var possibleConfigLocations = []string{
	"config.yaml",
	"/config/config.yaml",
	"/etc/cmdgate/config.yaml",
}

// Load reads the config file (or the first existing default location),
// applies environment overrides and validates the result. It exits on error.
func Load(filename string) {
	c, err := LoadFile(filename)
	if err != nil {
		log.WithError(err).Fatal("could not load config")
	}
	conf = c
}

// LoadFile is like Load but returns errors instead of exiting
func LoadFile(filename string) (*Config, error) {
	c := Defaults()
	if filename == "" {
		for _, l := range possibleConfigLocations {
			if _, err := os.Stat(l); err == nil {
				filename = l
				break
			}
		}
	}
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, errors.Wrap(err, "could not read config file")
		}
		if err = Parse(data, &c); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return nil, errors.Wrap(err, "could not process environment")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Parse unmarshals YAML data on top of c
func Parse(data []byte, c *Config) error {
	return errors.Wrap(yaml.Unmarshal(data, c), "could not parse config file")
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 && !c.Server.TLS.Enabled {
		return errors.New("error in server conf: port must be set")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.Cert == "" || c.Server.TLS.Key == "") {
		return errors.New("error in server conf: tls enabled but cert or key not set")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.API.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	if err := c.Rules.validate(); err != nil {
		return err
	}
	return c.Bootstrap.validate()
}
