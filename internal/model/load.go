package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	yamlv3 "gopkg.in/yaml.v3"
)

const ConfigFileName = "config.yaml"

// EnvOverrides are the settings that may be supplied through the environment
// so that secrets do not have to live in config.yaml.
type EnvOverrides struct {
	AdminTrigger    string `env:"NIGHTLINE_ADMIN_TRIGGER"`
	AdminPassphrase string `env:"NIGHTLINE_ADMIN_PASSPHRASE"`
	LogLevel        string `env:"NIGHTLINE_LOG_LEVEL"`
}

// LoadConfig reads <dir>/config.yaml, applies environment overrides and
// fills defaults.
func LoadConfig(dir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, nil)
}

// ParseConfig decodes yaml data and applies overrides from environ.
// A nil environ means the process environment.
func ParseConfig(data []byte, environ map[string]string) (Config, error) {
	var cfg Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := ApplyEnv(&cfg, environ); err != nil {
		return Config{}, err
	}
	return cfg.WithDefaults(), nil
}

func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o EnvOverrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.AdminTrigger != "" {
		cfg.Admin.Trigger = o.AdminTrigger
	}
	if o.AdminPassphrase != "" {
		cfg.Admin.Passphrase = o.AdminPassphrase
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	return nil
}
