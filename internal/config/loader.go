// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader resolves configuration from an optional YAML file plus the
// environment. Precedence: ENV > file > defaults.
type Loader struct {
	path string
}

// NewLoader creates a loader for the given config file path. An empty path
// skips the file layer entirely.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load builds and validates the effective configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.path != "" {
		raw, err := os.ReadFile(l.path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", l.path, err)
		}
		// KnownFields keeps typos in config files loud instead of silently
		// ignored.
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file %s: %w", l.path, err)
		}
	}

	cfg = applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Path returns the configured file path, if any.
func (l *Loader) Path() string { return l.path }
