// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/fluxsub/client"
	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/keyexchange"
	"github.com/absmach/fluxsub/keystore"
	"github.com/absmach/fluxsub/keystore/badger"
	"github.com/absmach/fluxsub/ratelimit"
	"github.com/absmach/fluxsub/subscription"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration of a subscriber client.
type Config struct {
	Subscription SubscriptionConfig `yaml:"subscription"`
	KeyExchange  KeyExchangeConfig  `yaml:"key_exchange"`
	KeyStore     KeyStoreConfig     `yaml:"key_store"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// SubscriptionConfig holds subscription engine settings.
type SubscriptionConfig struct {
	// Interval between requests for a missing group key
	PropagationTimeout time.Duration `yaml:"propagation_timeout"`

	// Requests per publisher before queued messages are given up on
	MaxGroupKeyRequests int `yaml:"max_group_key_requests"`

	// Deliver through the ordering collaborator instead of arrival order
	OrderMessages bool `yaml:"order_messages"`

	// Timeout of outgoing key and resend requests
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// KeyExchangeConfig holds group key exchange settings.
type KeyExchangeConfig struct {
	Address            string                    `yaml:"address"`
	PrivateKeyFile     string                    `yaml:"private_key_file"` // PEM RSA key, empty generates one
	KeyBits            int                       `yaml:"key_bits"`
	SubscriberTTL      time.Duration             `yaml:"subscriber_ttl"`
	SendErrorResponses bool                      `yaml:"send_error_responses"`
	RateLimit          ratelimit.Config          `yaml:"rate_limit"`
	CircuitBreaker     keyexchange.BreakerConfig `yaml:"circuit_breaker"`
}

// KeyStoreConfig holds the publisher group key store settings.
type KeyStoreConfig struct {
	Type string `yaml:"type"` // memory, badger
	Mode string `yaml:"mode"` // history, latest

	// BadgerDB settings
	BadgerDir  string        `yaml:"badger_dir"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds OpenTelemetry metrics settings.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"` // OTLP gRPC collector address
	Interval       time.Duration `yaml:"interval"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Subscription: SubscriptionConfig{
			PropagationTimeout:  subscription.DefaultPropagationTimeout,
			MaxGroupKeyRequests: subscription.MaxGroupKeyRequests,
			RequestTimeout:      client.DefaultRequestTimeout,
		},
		KeyExchange: KeyExchangeConfig{
			KeyBits:        encryption.DefaultRSABits,
			SubscriberTTL:  keyexchange.DefaultSubscriberTTL,
			RateLimit:      ratelimit.DefaultConfig(),
			CircuitBreaker: keyexchange.DefaultBreakerConfig(),
		},
		KeyStore: KeyStoreConfig{
			Type:       "memory",
			Mode:       "history",
			BadgerDir:  "/tmp/fluxsub/keys",
			GCInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			Interval:       10 * time.Second,
			ServiceName:    "fluxsub",
			ServiceVersion: "1.0.0",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Subscription.PropagationTimeout < 10*time.Millisecond {
		return fmt.Errorf("subscription.propagation_timeout must be at least 10ms")
	}
	if c.Subscription.MaxGroupKeyRequests < 1 {
		return fmt.Errorf("subscription.max_group_key_requests must be at least 1")
	}
	if c.Subscription.RequestTimeout < time.Millisecond {
		return fmt.Errorf("subscription.request_timeout must be positive")
	}

	if c.KeyExchange.KeyBits < 1024 {
		return fmt.Errorf("key_exchange.key_bits must be at least 1024")
	}
	if c.KeyExchange.SubscriberTTL < time.Second {
		return fmt.Errorf("key_exchange.subscriber_ttl must be at least 1 second")
	}
	if c.KeyExchange.RateLimit.Enabled {
		if c.KeyExchange.RateLimit.Rate <= 0 {
			return fmt.Errorf("key_exchange.rate_limit.rate must be positive")
		}
		if c.KeyExchange.RateLimit.Burst < 1 {
			return fmt.Errorf("key_exchange.rate_limit.burst must be at least 1")
		}
	}
	if c.KeyExchange.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("key_exchange.circuit_breaker.failure_threshold must be at least 1")
	}
	if c.KeyExchange.CircuitBreaker.ResetTimeout < time.Second {
		return fmt.Errorf("key_exchange.circuit_breaker.reset_timeout must be at least 1 second")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.KeyStore.Type] {
		return fmt.Errorf("key_store.type must be one of: memory, badger")
	}
	if _, err := keystore.ParseMode(c.KeyStore.Mode); err != nil {
		return fmt.Errorf("key_store.mode: %w", err)
	}
	if c.KeyStore.Type == "badger" && c.KeyStore.BadgerDir == "" {
		return fmt.Errorf("key_store.badger_dir required when type is badger")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Metrics.Enabled {
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint cannot be empty when metrics enabled")
		}
		if c.Metrics.Interval < time.Second {
			return fmt.Errorf("metrics.interval must be at least 1 second")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewLogger builds the logger described by cfg, writing to stdout.
func NewLogger(cfg LogConfig) *slog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg LogConfig) *slog.Logger {
	var logLevel slog.Level
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// OpenKeyStore opens the configured group key store. The returned close
// function releases it.
func (c KeyStoreConfig) OpenKeyStore() (keystore.Store, func() error, error) {
	mode, err := keystore.ParseMode(c.Mode)
	if err != nil {
		return nil, nil, err
	}

	switch c.Type {
	case "badger":
		store, err := badger.New(badger.Config{Dir: c.BadgerDir, GCInterval: c.GCInterval}, mode)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return keystore.NewMemoryStore(mode), func() error { return nil }, nil
	}
}

// LoadKeyPair reads the configured private key. Without a file it returns
// nil and the client generates a key pair.
func (c KeyExchangeConfig) LoadKeyPair() (*encryption.KeyPair, error) {
	if c.PrivateKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return encryption.ParseKeyPair(string(data))
}

// Apply copies the configured settings onto opts.
func (c *Config) Apply(opts *client.Options) *client.Options {
	opts.Address = c.KeyExchange.Address
	opts.KeyBits = c.KeyExchange.KeyBits
	opts.PropagationTimeout = c.Subscription.PropagationTimeout
	opts.MaxGroupKeyRequests = c.Subscription.MaxGroupKeyRequests
	opts.OrderMessages = c.Subscription.OrderMessages
	opts.RequestTimeout = c.Subscription.RequestTimeout
	opts.RateLimit = c.KeyExchange.RateLimit
	opts.CircuitBreaker = c.KeyExchange.CircuitBreaker
	opts.SubscriberTTL = c.KeyExchange.SubscriberTTL
	opts.SendErrorResponses = c.KeyExchange.SendErrorResponses
	return opts
}
