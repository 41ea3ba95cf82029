package config

import (
	"github.com/zachmann/go-utils/duration"
)

// archiveConf configures the periodic export of the audit log into a badger
// database
type archiveConf struct {
	Dir      string                  `yaml:"dir"`
	Interval duration.DurationOption `yaml:"interval"`
}

// Enabled reports whether periodic archiving is configured
func (c archiveConf) Enabled() bool {
	return c.Dir != "" && c.Interval.Duration() > 0
}
