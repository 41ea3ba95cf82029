package config

import (
	"github.com/pkg/errors"
)

type pipelineConf struct {
	// CommandCost is charged per executed command unless an admin overrides
	// it at runtime
	CommandCost int64 `yaml:"command_cost"`
	// MinBalance is the lowest balance a charge may leave behind
	MinBalance       int64 `yaml:"min_balance"`
	MaxCommandLength int   `yaml:"max_command_length"`
}

func (c *pipelineConf) validate() error {
	if c.CommandCost < 0 {
		return errors.New("error in pipeline conf: command_cost must not be negative")
	}
	if c.MaxCommandLength <= 0 {
		return errors.New("error in pipeline conf: max_command_length must be positive")
	}
	return nil
}

var defaultPipelineConf = pipelineConf{
	CommandCost:      10,
	MinBalance:       0,
	MaxCommandLength: 4096,
}
