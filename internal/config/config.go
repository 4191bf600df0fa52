// Package config reads govledger settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultAcceptanceTimeout bounds each acceptance command.
const DefaultAcceptanceTimeout = 300 * time.Second

// Env holds settings read from GOVLEDGER_* variables. Command-line flags
// override them.
type Env struct {
	Root              string        `env:"GOVLEDGER_ROOT" envDefault:"."`
	SigningKey        string        `env:"GOVLEDGER_SIGNING_KEY"`
	Strict            bool          `env:"GOVLEDGER_STRICT" envDefault:"false"`
	AcceptanceTimeout time.Duration `env:"GOVLEDGER_ACCEPTANCE_TIMEOUT" envDefault:"300s"`
	Actor             string        `env:"GOVLEDGER_ACTOR" envDefault:"govledger"`
	OTelEndpoint      string        `env:"GOVLEDGER_OTEL_ENDPOINT"`
	OTelEnabled       bool          `env:"GOVLEDGER_OTEL_ENABLED" envDefault:"true"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses Env.
func Load() (Env, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return Env{}, err
	}
	if e.AcceptanceTimeout <= 0 {
		return Env{}, fmt.Errorf("parse env: GOVLEDGER_ACCEPTANCE_TIMEOUT must be positive, got %s", e.AcceptanceTimeout)
	}
	return e, nil
}
