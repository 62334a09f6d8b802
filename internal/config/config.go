// SPDX-License-Identifier: MIT

// Package config loads pipeline configuration with precedence
// ENV > file > defaults, mirroring the embedding app's environment-driven
// deployment. All knobs are optional; zero configuration yields a working
// pipeline with conservative batching.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Batch controls queue flush thresholds.
type Batch struct {
	MaxSize int           `yaml:"max_size"` // immediate flush at this depth
	MaxWait time.Duration `yaml:"max_wait"` // coalescing timer bound
}

// Retry is the delivery retry policy. It applies to the keepalive channel
// only; beacon sends are best-effort-complete and are never retried.
type Retry struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// Delivery selects transport behavior.
type Delivery struct {
	Endpoint     string        `yaml:"endpoint"`      // batch submission endpoint
	PreferBeacon bool          `yaml:"prefer_beacon"` // skip the SDK channel entirely
	Keepalive    bool          `yaml:"keepalive"`     // allow the keepalive fallback
	EventPacing  time.Duration `yaml:"event_pacing"`  // inter-event delay on the SDK channel
}

// Privacy holds the privacy switches.
type Privacy struct {
	Sanitize   bool `yaml:"sanitize"`    // PII redaction before any transport
	RespectDNT bool `yaml:"respect_dnt"` // honor Do-Not-Track
}

// Storage selects the durable store backing the backlog and visit history.
type Storage struct {
	Path string `yaml:"path"` // badger directory; empty selects in-memory
}

// Collector configures the local collector daemon (telemetryd).
type Collector struct {
	Listen    string `yaml:"listen"`
	DataDir   string `yaml:"data_dir"`
	RateLimit int    `yaml:"rate_limit"` // requests/minute per IP, 0 disables
}

// Config is the full pipeline configuration.
type Config struct {
	Disabled   bool      `yaml:"disabled"`
	Debug      bool      `yaml:"debug"`
	LogLevel   string    `yaml:"log_level"`
	SampleRate float64   `yaml:"sample_rate"`
	Batch      Batch     `yaml:"batch"`
	Retry      Retry     `yaml:"retry"`
	Delivery   Delivery  `yaml:"delivery"`
	Privacy    Privacy   `yaml:"privacy"`
	Storage    Storage   `yaml:"storage"`
	Collector  Collector `yaml:"collector"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		LogLevel:   "info",
		SampleRate: 1.0,
		Batch: Batch{
			MaxSize: 10,
			MaxWait: 5 * time.Second,
		},
		Retry: Retry{
			MaxAttempts:     3,
			InitialInterval: 200 * time.Millisecond,
			Multiplier:      2.0,
		},
		Delivery: Delivery{
			Endpoint:    "/v1/batch",
			Keepalive:   true,
			EventPacing: 50 * time.Millisecond,
		},
		Privacy: Privacy{
			Sanitize:   true,
			RespectDNT: true,
		},
		Collector: Collector{
			Listen:    ":8089",
			DataDir:   "data",
			RateLimit: 600,
		},
	}
}

var (
	errBatchSize  = errors.New("batch max_size must be positive")
	errBatchWait  = errors.New("batch max_wait must be positive")
	errSampleRate = errors.New("sample_rate must be within [0,1]")
)

// Validate rejects configurations the queue or adapter cannot operate under.
func (c Config) Validate() error {
	if c.Batch.MaxSize <= 0 {
		return errBatchSize
	}
	if c.Batch.MaxWait <= 0 {
		return errBatchWait
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return errSampleRate
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Delivery.Endpoint == "" {
		return errors.New("delivery endpoint must not be empty")
	}
	return nil
}
