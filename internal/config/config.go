// Package config loads tpindex configuration from disk and environment.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete tpindex configuration
type Config struct {
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Output  OutputConfig  `json:"output" mapstructure:"output"`
}

// LoggingConfig controls log verbosity and format
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

// OutputConfig sets the default fact sink
type OutputConfig struct {
	// Format is one of json, scip, sqlite
	Format string `json:"format" mapstructure:"format"`
	// Path is the output file; empty means stdout for json
	Path string `json:"path" mapstructure:"path"`
	// Compress enables zstd compression of the json entry stream
	Compress bool `json:"compress" mapstructure:"compress"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "warn", Format: "text"},
		Output:  OutputConfig{Format: "json"},
	}
}

// Load reads configuration with precedence: env (TPINDEX_*) > config
// file > defaults. path may be empty, in which case only defaults and
// environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "text")
	v.SetDefault("output.format", "json")
	v.SetDefault("output.path", "")
	v.SetDefault("output.compress", false)

	v.SetEnvPrefix("TPINDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
