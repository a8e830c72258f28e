package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"keygate/internal/preferences"
)

// YAMLConfig represents the structure of the config.yaml file.
type YAMLConfig struct {
	// Defaults seed the preferences of every newly redeemed key. Fields left
	// out keep their built-in values.
	Defaults preferences.Defaults `yaml:"defaults"`
}

// LoadYAMLConfig loads the YAML configuration file.
// Path is determined by CONFIG_FILE env var, defaulting to "config.yaml".
// A missing file yields the built-in defaults.
func LoadYAMLConfig() (*YAMLConfig, error) {
	return loadYAMLFile(getEnv("CONFIG_FILE", "config.yaml"))
}

func loadYAMLFile(path string) (*YAMLConfig, error) {
	cfg := &YAMLConfig{Defaults: preferences.DefaultSettings()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}
