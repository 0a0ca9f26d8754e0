package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// parseDefaults fills target from envDefault tags only, ignoring the process
// environment.
func parseDefaults(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: map[string]string{}}); err != nil {
		return fmt.Errorf("parse defaults: %w", err)
	}
	return nil
}
