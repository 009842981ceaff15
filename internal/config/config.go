// Package config provides configuration types and defaults for pipetrace.
package config

import (
	"github.com/pipetrace/pipetrace/internal/pool"
	"github.com/pipetrace/pipetrace/internal/tracing"
)

// Config holds all configuration options for pipetrace.
type Config struct {
	// Database is the path of the provenance database file.
	Database string `mapstructure:"database"`
	// Vault is the directory holding serialized resource payloads.
	Vault string `mapstructure:"vault"`
	// Workers is the worker pool size for builder execution.
	Workers int `mapstructure:"workers"`
	// DeepCheck makes integrity traversals compare MD5s, not just sizes.
	DeepCheck bool `mapstructure:"deep_check"`
	// Debug enables the structured debug log.
	Debug   bool           `mapstructure:"debug"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Database:  "pipetrace.db",
		Vault:     "vault",
		Workers:   pool.DefaultWorkers,
		DeepCheck: false,
		Debug:     false,
		Tracing:   tracing.DefaultConfig(),
	}
}
