// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxconsumer/pkg/tls"
	"github.com/absmach/fluxconsumer/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds the consumer service configuration.
type Config struct {
	Broker          BrokerConfig     `yaml:"broker"`
	Reconnect       ReconnectConfig  `yaml:"reconnect"`
	Consumers       []ConsumerConfig `yaml:"consumers"`
	Log             LogConfig        `yaml:"log"`
	Metrics         MetricsConfig    `yaml:"metrics"`
	Health          HealthConfig     `yaml:"health"`
	Dedup           DedupConfig      `yaml:"dedup"`
	RateLimit       ratelimit.Config `yaml:"ratelimit"`
	Webhook         WebhookConfig    `yaml:"webhook"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
}

// BrokerConfig holds the RabbitMQ endpoint and credentials.
type BrokerConfig struct {
	URL         string        `yaml:"url"` // takes precedence over host/port
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Vhost       string        `yaml:"vhost"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	TLS         tls.Config    `yaml:"tls"`
}

// ReconnectConfig controls reconnection after connection loss.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	Jitter      float64       `yaml:"jitter"`       // 0.0 to 1.0
	MaxAttempts int           `yaml:"max_attempts"` // 0 = unlimited
}

// ConsumerConfig describes one queue subscription.
type ConsumerConfig struct {
	Queue              string        `yaml:"queue"`
	Durable            bool          `yaml:"durable"`
	AutoDelete         bool          `yaml:"auto_delete"`
	Exclusive          bool          `yaml:"exclusive"`
	Passive            bool          `yaml:"passive"`
	QueueType          string        `yaml:"queue_type"` // classic, quorum, stream
	DeadLetterExchange string        `yaml:"dead_letter_exchange"`
	DeadLetterKey      string        `yaml:"dead_letter_routing_key"`
	MessageTTL         time.Duration `yaml:"message_ttl"`
	MaxLength          int64         `yaml:"max_length"`
	Prefetch           int           `yaml:"prefetch"`
	ConsumerTag        string        `yaml:"consumer_tag"`
	HandlerTimeout     time.Duration `yaml:"handler_timeout"`
	MaxRedeliveries    int           `yaml:"max_redeliveries"`
	MaxMessageSize     int           `yaml:"max_message_size"`
	DecodeBodies       bool          `yaml:"decode_bodies"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string        `yaml:"level"`  // debug, info, warn, error
	Format string        `yaml:"format"` // text, json
	File   LogFileConfig `yaml:"file"`
}

// LogFileConfig enables rotated file output in addition to stdout.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig holds OpenTelemetry settings.
type MetricsConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Exporter        string  `yaml:"exporter"` // otlp, prometheus
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DedupConfig selects the deduplication backend.
type DedupConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Type      string        `yaml:"type"` // memory, badger, redis
	TTL       time.Duration `yaml:"ttl"`
	BadgerDir string        `yaml:"badger_dir"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults apply to every endpoint unless overridden.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig defines webhook retry behavior.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig defines when an endpoint is taken out of rotation.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint is a single webhook target.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"` // "http"
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // empty = all
	QueueFilters []string          `yaml:"queue_filters"` // AMQP topic patterns, empty = all
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"`
	Retry        *RetryConfig      `yaml:"retry,omitempty"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:        "localhost",
			Port:        5672,
			Username:    "guest",
			Password:    "guest",
			Vhost:       "/",
			DialTimeout: 10 * time.Second,
			Heartbeat:   10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
			Jitter:      0.2,
		},
		Consumers: []ConsumerConfig{
			{
				Queue:    "order",
				Prefetch: 1,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Exporter:        "otlp",
			OTLPEndpoint:    "localhost:4317",
			ServiceName:     "fluxconsumer",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8081",
		},
		Dedup: DedupConfig{
			Enabled:   false,
			Type:      "memory",
			TTL:       24 * time.Hour,
			BadgerDir: "/tmp/fluxconsumer/dedup",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		RateLimit: ratelimit.DefaultConfig(),
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		ShutdownTimeout: 30 * time.Second,
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
	cfg.applyConsumerDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyConsumerDefaults fills the fields a YAML consumer entry may omit.
func (c *Config) applyConsumerDefaults() {
	for i := range c.Consumers {
		if c.Consumers[i].Prefetch == 0 {
			c.Consumers[i].Prefetch = 1
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		if c.Broker.Host == "" {
			return fmt.Errorf("broker.host cannot be empty")
		}
		if c.Broker.Port < 1 || c.Broker.Port > 65535 {
			return fmt.Errorf("broker.port must be between 1 and 65535")
		}
	}
	if c.Broker.DialTimeout < 0 || c.Broker.Heartbeat < 0 {
		return fmt.Errorf("broker timeouts cannot be negative")
	}
	if c.Broker.TLS.Enabled && (c.Broker.TLS.CertFile == "") != (c.Broker.TLS.KeyFile == "") {
		return fmt.Errorf("broker.tls.cert_file and broker.tls.key_file must be set together")
	}

	if c.Reconnect.BackoffBase <= 0 {
		return fmt.Errorf("reconnect.backoff_base must be positive")
	}
	if c.Reconnect.BackoffCap < c.Reconnect.BackoffBase {
		return fmt.Errorf("reconnect.backoff_cap must not be less than backoff_base")
	}
	if c.Reconnect.Jitter < 0.0 || c.Reconnect.Jitter > 1.0 {
		return fmt.Errorf("reconnect.jitter must be between 0.0 and 1.0")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts cannot be negative")
	}

	if len(c.Consumers) == 0 {
		return fmt.Errorf("at least one consumer must be configured")
	}
	seen := make(map[string]bool, len(c.Consumers))
	for i, cc := range c.Consumers {
		if cc.Queue == "" {
			return fmt.Errorf("consumers[%d].queue cannot be empty", i)
		}
		if seen[cc.Queue] {
			return fmt.Errorf("consumers[%d].queue %q is configured twice", i, cc.Queue)
		}
		seen[cc.Queue] = true
		if cc.Prefetch < 1 || cc.Prefetch > 65535 {
			return fmt.Errorf("consumers[%d].prefetch must be between 1 and 65535", i)
		}
		if cc.MaxRedeliveries < 0 {
			return fmt.Errorf("consumers[%d].max_redeliveries cannot be negative", i)
		}
		if cc.MaxMessageSize < 0 {
			return fmt.Errorf("consumers[%d].max_message_size cannot be negative", i)
		}
		switch cc.QueueType {
		case "", "classic", "quorum", "stream":
		default:
			return fmt.Errorf("consumers[%d].queue_type must be one of: classic, quorum, stream", i)
		}
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
		if c.Metrics.Exporter != "otlp" && c.Metrics.Exporter != "prometheus" {
			return fmt.Errorf("metrics.exporter must be 'otlp' or 'prometheus'")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health is enabled")
	}

	if c.Dedup.Enabled {
		switch c.Dedup.Type {
		case "memory":
		case "badger":
			if c.Dedup.BadgerDir == "" {
				return fmt.Errorf("dedup.badger_dir required when type is badger")
			}
		case "redis":
			if c.Dedup.Redis.Addr == "" {
				return fmt.Errorf("dedup.redis.addr required when type is redis")
			}
		default:
			return fmt.Errorf("dedup.type must be one of: memory, badger, redis")
		}
		if c.Dedup.TTL < 0 {
			return fmt.Errorf("dedup.ttl cannot be negative")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.PerSecond <= 0 {
			return fmt.Errorf("ratelimit.per_second must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("ratelimit.burst must be at least 1")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.Type != "http" {
				return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout cannot be negative")
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
