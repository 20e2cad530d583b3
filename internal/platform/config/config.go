// Package config holds the engine tuning knobs. Defaults live in code; an
// optional YAML file named by TASKLOOP_CONFIG overlays them. Endpoint
// addresses and credentials stay in the environment (see platform/env).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskloop/taskloop/internal/sharding"
)

type Config struct {
	Publish   PublishConfig
	Dedup     DedupConfig
	Reminders ReminderConfig
	Consumers ConsumerConfig
	Stream    StreamConfig
	Shards    int
}

// PublishConfig bounds the event publish retry loop.
type PublishConfig struct {
	// MaxAttempts caps publish tries per event; the delay doubles each try.
	MaxAttempts int
	RetryDelay  time.Duration
}

// DedupConfig tunes the creation-boundary idempotency guard.
type DedupConfig struct {
	// TTL is the window in which a repeated create call for the same
	// (user, title) pair is collapsed.
	TTL time.Duration
	// Durable switches the guard from the process-local map to the
	// store-backed keys table shared across API replicas.
	Durable bool
}

// ReminderConfig tunes the reminder sweep and delivery.
type ReminderConfig struct {
	// MaxAttempts counts delivery tries per reminder before it goes failed.
	MaxAttempts int
	// RetryBackoff is the base delay; attempt n waits base * 2^(n-1).
	RetryBackoff time.Duration
	// PollInterval is the sweep period for due pending reminders, jittered
	// by PollJitter so replicas do not stampede.
	PollInterval time.Duration
	PollJitter   time.Duration
	// Workers is the number of concurrent sweep claim loops.
	Workers        int
	WebhookURL     string
	WebhookTimeout time.Duration
}

// ConsumerConfig applies to every durable event consumer.
type ConsumerConfig struct {
	// Workers is the number of queue subscriptions per process.
	Workers int
	// MaxDeliver is the delivery count at which a failing message is parked
	// on the dead-letter stream instead of being redelivered.
	MaxDeliver int
}

// StreamConfig tunes the live-update broadcaster.
type StreamConfig struct {
	MaxConnsPerUser int
	WriteTimeout    time.Duration
}

// Default returns the built-in tuning. The retry and TTL values mirror the
// observed production constants but are deliberately overridable.
func Default() *Config {
	return &Config{
		Publish: PublishConfig{
			MaxAttempts: 4,
			RetryDelay:  200 * time.Millisecond,
		},
		Dedup: DedupConfig{
			TTL:     30 * time.Second,
			Durable: false,
		},
		Reminders: ReminderConfig{
			MaxAttempts:    3,
			RetryBackoff:   2 * time.Second,
			PollInterval:   time.Second,
			PollJitter:     500 * time.Millisecond,
			Workers:        2,
			WebhookTimeout: 10 * time.Second,
		},
		Consumers: ConsumerConfig{
			Workers:    2,
			MaxDeliver: 5,
		},
		Stream: StreamConfig{
			MaxConnsPerUser: 3,
			WriteTimeout:    5 * time.Second,
		},
		Shards: sharding.DefaultShardCount,
	}
}

// fileConfig mirrors Config with optional fields; durations are strings
// ("30s", "2m") parsed with time.ParseDuration.
type fileConfig struct {
	Publish struct {
		MaxAttempts *int   `yaml:"max_attempts"`
		RetryDelay  string `yaml:"retry_delay"`
	} `yaml:"publish"`
	Dedup struct {
		TTL     string `yaml:"ttl"`
		Durable *bool  `yaml:"durable"`
	} `yaml:"dedup"`
	Reminders struct {
		MaxAttempts    *int   `yaml:"max_attempts"`
		RetryBackoff   string `yaml:"retry_backoff"`
		PollInterval   string `yaml:"poll_interval"`
		PollJitter     string `yaml:"poll_jitter"`
		Workers        *int   `yaml:"workers"`
		WebhookURL     string `yaml:"webhook_url"`
		WebhookTimeout string `yaml:"webhook_timeout"`
	} `yaml:"reminders"`
	Consumers struct {
		Workers    *int `yaml:"workers"`
		MaxDeliver *int `yaml:"max_deliver"`
	} `yaml:"consumers"`
	Stream struct {
		MaxConnsPerUser *int   `yaml:"max_conns_per_user"`
		WriteTimeout    string `yaml:"write_timeout"`
	} `yaml:"stream"`
	Shards *int `yaml:"shards"`
}

// Load returns the defaults overlaid with the YAML file named by the
// TASKLOOP_CONFIG variable. No file means defaults.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("TASKLOOP_CONFIG"))
}

func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := file.apply(cfg); err != nil {
		return nil, fmt.Errorf("apply config %s: %w", path, err)
	}
	return cfg, nil
}

func (f *fileConfig) apply(cfg *Config) error {
	setPositiveInt(&cfg.Publish.MaxAttempts, f.Publish.MaxAttempts)
	if err := setDuration(&cfg.Publish.RetryDelay, f.Publish.RetryDelay); err != nil {
		return err
	}

	if err := setDuration(&cfg.Dedup.TTL, f.Dedup.TTL); err != nil {
		return err
	}
	if f.Dedup.Durable != nil {
		cfg.Dedup.Durable = *f.Dedup.Durable
	}

	setPositiveInt(&cfg.Reminders.MaxAttempts, f.Reminders.MaxAttempts)
	if err := setDuration(&cfg.Reminders.RetryBackoff, f.Reminders.RetryBackoff); err != nil {
		return err
	}
	if err := setDuration(&cfg.Reminders.PollInterval, f.Reminders.PollInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.Reminders.PollJitter, f.Reminders.PollJitter); err != nil {
		return err
	}
	setPositiveInt(&cfg.Reminders.Workers, f.Reminders.Workers)
	if f.Reminders.WebhookURL != "" {
		cfg.Reminders.WebhookURL = f.Reminders.WebhookURL
	}
	if err := setDuration(&cfg.Reminders.WebhookTimeout, f.Reminders.WebhookTimeout); err != nil {
		return err
	}

	setPositiveInt(&cfg.Consumers.Workers, f.Consumers.Workers)
	setPositiveInt(&cfg.Consumers.MaxDeliver, f.Consumers.MaxDeliver)

	setPositiveInt(&cfg.Stream.MaxConnsPerUser, f.Stream.MaxConnsPerUser)
	if err := setDuration(&cfg.Stream.WriteTimeout, f.Stream.WriteTimeout); err != nil {
		return err
	}

	setPositiveInt(&cfg.Shards, f.Shards)
	return nil
}

func setPositiveInt(dst *int, src *int) {
	if src != nil && *src > 0 {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %q", raw)
	}
	*dst = parsed
	return nil
}
