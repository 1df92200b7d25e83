// Package config holds the environment-driven configuration helpers shared
// by the driftline binaries.
//
// Every binary declares a Config struct with DRIFTLINE_* env tags, loads it
// through ParseEnv and then layers flag overrides on top in its
// internal/cmd package.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target from the environment variables named by its env
// struct tags, applying envDefault values for anything unset.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("environment config: %w", err)
	}
	return nil
}

// Exitf reports a fatal CLI error on stderr and terminates with exit code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
