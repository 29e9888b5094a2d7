package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Require returns an error naming the option when value is blank.
//
// Secrets such as the LLM API key are validated with Require so startup
// fails before any request path can observe the missing credential.
func Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}
