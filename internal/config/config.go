// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the relayd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete relayd configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Service   ServiceConfig   `yaml:"service"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Replay    ReplayConfig    `yaml:"replay"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig configures the daemon's HTTP listener.
type ListenConfig struct {
	// Addr is the TCP address to listen on.
	// Environment: RELAY_LISTEN_ADDR
	// Default: ":8420"
	Addr string `yaml:"addr,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// ServiceConfig describes the remote data service.
type ServiceConfig struct {
	// BaseURL is the service root. Required when the client is enabled.
	// Environment: RELAY_SERVICE_URL
	BaseURL string `yaml:"base_url,omitempty"`

	// BatchPath is the batch endpoint relative to BaseURL. Default: "/$batch".
	BatchPath string `yaml:"batch_path,omitempty"`

	// Timeout is the per-request HTTP timeout. Default: 30s.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// UserAgent overrides the default User-Agent header.
	UserAgent string `yaml:"user_agent,omitempty"`
}

// RateLimitConfig configures the outbound token bucket.
type RateLimitConfig struct {
	// RatePerSecond is the steady-state refill rate. Default: 10.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`

	// Burst caps the bucket. Default: 20.
	Burst float64 `yaml:"burst,omitempty"`

	// Strategy selects empty-bucket behavior: delay, drop, or queue.
	// Default: delay.
	Strategy string `yaml:"strategy,omitempty"`
}

// RetryConfig configures the request retry executor.
type RetryConfig struct {
	// MaxAttempts is the total attempt count including the first. Default: 3.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// InitialDelay is the base backoff. Default: 1s.
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`

	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration `yaml:"max_delay,omitempty"`

	// BackoffFactor is the exponential multiplier. Default: 2.
	BackoffFactor float64 `yaml:"backoff_factor,omitempty"`

	// RetryableStatusCodes lists HTTP statuses worth retrying.
	// Default: [429, 503, 504].
	RetryableStatusCodes []int `yaml:"retryable_status_codes,omitempty"`
}

// DeliveryConfig configures the outbound delivery manager.
type DeliveryConfig struct {
	// Strategy selects retry delay computation: immediate, fixed,
	// exponential, or none. Default: exponential.
	Strategy string `yaml:"strategy,omitempty"`

	// MaxRetries is the retry budget after the first attempt. Default: 3.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// InitialDelay is the first retry delay. Default: 1s.
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`

	// MaxDelay caps retry delays. Default: 5m.
	MaxDelay time.Duration `yaml:"max_delay,omitempty"`

	// Multiplier is the exponential factor. Default: 2.
	Multiplier float64 `yaml:"multiplier,omitempty"`

	// FailureThreshold opens an endpoint's circuit after this many
	// consecutive failures. Default: 5.
	FailureThreshold int `yaml:"failure_threshold,omitempty"`

	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes. Default: 2.
	SuccessThreshold int `yaml:"success_threshold,omitempty"`

	// OpenDuration is the open-circuit cooldown. Default: 30s.
	OpenDuration time.Duration `yaml:"open_duration,omitempty"`

	// GCInterval is how often terminal deliveries are swept. Default: 1m.
	GCInterval time.Duration `yaml:"gc_interval,omitempty"`

	// TerminalTTL is how long terminal deliveries stay queryable.
	// Default: 1h.
	TerminalTTL time.Duration `yaml:"terminal_ttl,omitempty"`

	// MaxStored soft-caps stored deliveries. Default: 10000.
	MaxStored int `yaml:"max_stored,omitempty"`

	// Timeout bounds each delivery attempt. Default: 30s.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ReplayConfig configures inbound replay protection.
type ReplayConfig struct {
	// MaxNonces caps the nonce store. Default: 10000.
	MaxNonces int `yaml:"max_nonces,omitempty"`

	// NonceTTL is the default nonce lifetime. Default: 5m.
	NonceTTL time.Duration `yaml:"nonce_ttl,omitempty"`

	// Tolerance is the maximum accepted timestamp age. Default: 5m.
	Tolerance time.Duration `yaml:"tolerance,omitempty"`

	// MaxClockSkew is the accepted future drift. Default: 5m.
	MaxClockSkew time.Duration `yaml:"max_clock_skew,omitempty"`

	// Secret is the HMAC secret for signature verification.
	// Environment: RELAY_WEBHOOK_SECRET
	Secret string `yaml:"secret,omitempty"`
}

// StorageConfig configures delivery persistence.
type StorageConfig struct {
	// Driver selects the store: "memory" or "sqlite". Default: memory.
	Driver string `yaml:"driver,omitempty"`

	// Path is the sqlite database file. Required for the sqlite driver.
	Path string `yaml:"path,omitempty"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Default: info.
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text). Default: json.
	Format string `yaml:"format,omitempty"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr:            ":8420",
			ShutdownTimeout: 10 * time.Second,
		},
		Service: ServiceConfig{
			BatchPath: "/$batch",
			Timeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RatePerSecond: 10,
			Burst:         20,
			Strategy:      "delay",
		},
		Retry: RetryConfig{
			MaxAttempts:          3,
			InitialDelay:         1 * time.Second,
			MaxDelay:             30 * time.Second,
			BackoffFactor:        2,
			RetryableStatusCodes: []int{429, 503, 504},
		},
		Delivery: DeliveryConfig{
			Strategy:         "exponential",
			MaxRetries:       3,
			InitialDelay:     1 * time.Second,
			MaxDelay:         5 * time.Minute,
			Multiplier:       2,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     30 * time.Second,
			GCInterval:       time.Minute,
			TerminalTTL:      time.Hour,
			MaxStored:        10000,
			Timeout:          30 * time.Second,
		},
		Replay: ReplayConfig{
			MaxNonces:    10000,
			NonceTTL:     5 * time.Minute,
			Tolerance:    5 * time.Minute,
			MaxClockSkew: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration file at path, applies environment overrides,
// and validates the result. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func applyEnv(cfg *Config) {
	if addr := os.Getenv("RELAY_LISTEN_ADDR"); addr != "" {
		cfg.Listen.Addr = addr
	}
	if url := os.Getenv("RELAY_SERVICE_URL"); url != "" {
		cfg.Service.BaseURL = url
	}
	if secret := os.Getenv("RELAY_WEBHOOK_SECRET"); secret != "" {
		cfg.Replay.Secret = secret
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	var problems []string

	if c.Listen.Addr == "" {
		problems = append(problems, "listen.addr must not be empty")
	}

	switch c.RateLimit.Strategy {
	case "delay", "drop", "queue":
	default:
		problems = append(problems, fmt.Sprintf("rate_limit.strategy %q is not one of delay, drop, queue", c.RateLimit.Strategy))
	}
	if c.RateLimit.RatePerSecond <= 0 {
		problems = append(problems, "rate_limit.rate_per_second must be > 0")
	}
	if c.RateLimit.Burst < 1 {
		problems = append(problems, "rate_limit.burst must be >= 1")
	}

	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be >= 1")
	}

	switch c.Delivery.Strategy {
	case "immediate", "fixed", "exponential", "none":
	default:
		problems = append(problems, fmt.Sprintf("delivery.strategy %q is not one of immediate, fixed, exponential, none", c.Delivery.Strategy))
	}
	if c.Delivery.MaxRetries < 0 {
		problems = append(problems, "delivery.max_retries must be >= 0")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			problems = append(problems, "storage.path is required for the sqlite driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q is not one of memory, sqlite", c.Storage.Driver))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
