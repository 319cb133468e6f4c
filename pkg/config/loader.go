package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound means the named config file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// ErrInvalidYAML means the file exists but does not parse.
var ErrInvalidYAML = errors.New("invalid YAML")

// Load reads steward.yaml from path, expands environment references, layers
// it over the built-in defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	cfg := DefaultConfig()
	if err := mergo.Merge(cfg, &loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}

	slog.Info("configuration loaded",
		"path", path,
		"repository", cfg.GitHub.Owner+"/"+cfg.GitHub.Repo,
		"workers", cfg.Queue.MaxWorkers)
	return cfg, nil
}
