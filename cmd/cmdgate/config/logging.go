package config

import (
	"github.com/pkg/errors"
	"github.com/zachmann/go-utils/fileutils"
)

// loggingConf holds all logging-related configuration under the `logging` key.
//
// YAML example:
//
//	logging:
//	  access:
//	    dir: /var/log/cmdgate
//	    stderr: false
//	  internal:
//	    dir: /var/log/cmdgate
//	    stderr: false
//	    level: INFO
//	    json: false
//	    smart:
//	      enabled: false
//	      dir: /var/log/cmdgate/smart
type loggingConf struct {
	Access   LoggerConf         `yaml:"access"`
	Internal internalLoggerConf `yaml:"internal"`
}

// internalLoggerConf configures application-internal logging.
// Level accepts standard log levels (e.g. DEBUG, INFO, WARN, ERROR).
// When Smart logging is enabled, errors are duplicated to a dedicated directory.
type internalLoggerConf struct {
	LoggerConf `yaml:",inline"`
	Level      string `yaml:"level" envconfig:"LOG_LEVEL"`
	// JSON switches the formatter to structured JSON output
	JSON  bool            `yaml:"json"`
	Smart smartLoggerConf `yaml:"smart"`
}

// LoggerConf holds configuration related to logging
type LoggerConf struct {
	Dir    string `yaml:"dir"`
	StdErr bool   `yaml:"stderr"`
}

// smartLoggerConf enables and configures 'smart' logging.
// If Enabled, error logs are also written to `Dir`. If `Dir` is empty, it
// falls back to the internal logger's `Dir`.
type smartLoggerConf struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

func checkLoggingDirExists(dir string) error {
	if dir != "" && !fileutils.FileExists(dir) {
		return errors.Errorf("logging directory '%s' does not exist", dir)
	}
	return nil
}

func (log *loggingConf) validate() error {
	if err := checkLoggingDirExists(log.Access.Dir); err != nil {
		return err
	}
	if err := checkLoggingDirExists(log.Internal.Dir); err != nil {
		return err
	}
	if log.Internal.Smart.Enabled {
		if log.Internal.Smart.Dir == "" {
			log.Internal.Smart.Dir = log.Internal.Dir
		}
		if err := checkLoggingDirExists(log.Internal.Smart.Dir); err != nil {
			return err
		}
	}
	return nil
}

var defaultLoggingConf = loggingConf{
	Internal: internalLoggerConf{
		Level: "INFO",
	},
}
