// Package config loads and validates the sequent configuration from YAML
// or JSON files, converting the file-level sections into the typed configs
// the runtime packages consume.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/sequent/pkg/sequent/buffer"
	"github.com/randalmurphal/sequent/pkg/sequent/rabbitmq"
	"github.com/randalmurphal/sequent/pkg/sequent/retry"
)

// Duration parses from either a duration string ("500ms", "10m") or a bare
// number interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		s := string(data[1 : len(data)-1])
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if _, err := fmt.Sscanf(string(data), "%g", &seconds); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	Sequence SequenceConfig `yaml:"sequence" json:"sequence"`
	Buffer   BufferConfig   `yaml:"buffer" json:"buffer"`
	Retry    RetryConfig    `yaml:"retry" json:"retry"`
	AMQP     AMQPConfig     `yaml:"amqp" json:"amqp"`
}

// SequenceConfig selects the sequence counter store.
type SequenceConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver" json:"driver"`

	// Path is the SQLite database file. Required for the sqlite driver.
	Path string `yaml:"path" json:"path"`
}

// BufferConfig configures the ordered buffer.
type BufferConfig struct {
	GapThreshold         int      `yaml:"gap_threshold" json:"gap_threshold"`
	NoColdStartException bool     `yaml:"no_cold_start_exception" json:"no_cold_start_exception"`
	IdleTimeout          Duration `yaml:"idle_timeout" json:"idle_timeout"`
	EvictInterval        Duration `yaml:"evict_interval" json:"evict_interval"`
	MaxEntities          int      `yaml:"max_entities" json:"max_entities"`
}

// BufferConfig converts the section into the runtime buffer config.
// Logger, metrics, and watermark wiring stay with the caller.
func (c BufferConfig) BufferConfig() buffer.Config {
	return buffer.Config{
		GapThreshold:         c.GapThreshold,
		NoColdStartException: c.NoColdStartException,
		IdleTimeout:          c.IdleTimeout.Std(),
		EvictInterval:        c.EvictInterval.Std(),
		MaxEntities:          c.MaxEntities,
	}
}

// RetryProfileConfig overrides one retry profile. Zero fields keep the
// profile default.
type RetryProfileConfig struct {
	MaxRetries    int      `yaml:"max_retries" json:"max_retries"`
	BaseDelay     Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier    float64  `yaml:"multiplier" json:"multiplier"`
	DisableJitter bool     `yaml:"disable_jitter" json:"disable_jitter"`
}

// Merge applies the overrides onto a base profile.
func (p RetryProfileConfig) Merge(base retry.Config) retry.Config {
	if p.MaxRetries > 0 {
		base.MaxRetries = p.MaxRetries
	}
	if p.BaseDelay > 0 {
		base.BaseDelay = p.BaseDelay.Std()
	}
	if p.MaxDelay > 0 {
		base.MaxDelay = p.MaxDelay.Std()
	}
	if p.Multiplier > 0 {
		base.Multiplier = p.Multiplier
	}
	if p.DisableJitter {
		base.Jitter = false
	}
	return base
}

// RetryConfig overrides the per-category retry profiles.
type RetryConfig struct {
	Storage    RetryProfileConfig `yaml:"storage" json:"storage"`
	Messaging  RetryProfileConfig `yaml:"messaging" json:"messaging"`
	RemoteCall RetryProfileConfig `yaml:"remote_call" json:"remote_call"`
}

// StorageConfig returns the storage profile with overrides applied.
func (c RetryConfig) StorageConfig() retry.Config {
	return c.Storage.Merge(retry.StorageProfile)
}

// MessagingConfig returns the messaging profile with overrides applied.
func (c RetryConfig) MessagingConfig() retry.Config {
	return c.Messaging.Merge(retry.MessagingProfile)
}

// RemoteCallConfig returns the remote-call profile with overrides applied.
func (c RetryConfig) RemoteCallConfig() retry.Config {
	return c.RemoteCall.Merge(retry.RemoteCallProfile)
}

// AMQPConfig configures the broker transport.
type AMQPConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	URL           string   `yaml:"url" json:"url"`
	Exchange      string   `yaml:"exchange" json:"exchange"`
	Queue         string   `yaml:"queue" json:"queue"`
	RoutingKeys   []string `yaml:"routing_keys" json:"routing_keys"`
	ConsumerTag   string   `yaml:"consumer_tag" json:"consumer_tag"`
	PrefetchCount int      `yaml:"prefetch_count" json:"prefetch_count"`
	Workers       int      `yaml:"workers" json:"workers"`
	DeliveryQueue int      `yaml:"delivery_queue" json:"delivery_queue"`
}

// EmitterConfig converts the section into the emitter config.
func (c AMQPConfig) EmitterConfig() rabbitmq.EmitterConfig {
	return rabbitmq.EmitterConfig{URL: c.URL, Exchange: c.Exchange}
}

// ConsumerConfig converts the section into the consumer config.
func (c AMQPConfig) ConsumerConfig() rabbitmq.ConsumerConfig {
	return rabbitmq.ConsumerConfig{
		URL:           c.URL,
		Exchange:      c.Exchange,
		Queue:         c.Queue,
		RoutingKeys:   c.RoutingKeys,
		ConsumerTag:   c.ConsumerTag,
		PrefetchCount: c.PrefetchCount,
		Workers:       c.Workers,
		DeliveryQueue: c.DeliveryQueue,
	}
}

// Default returns the configuration used when a section is absent.
func Default() Config {
	return Config{
		Sequence: SequenceConfig{Driver: "memory"},
		Buffer: BufferConfig{
			GapThreshold:  buffer.DefaultConfig.GapThreshold,
			IdleTimeout:   Duration(buffer.DefaultConfig.IdleTimeout),
			EvictInterval: Duration(buffer.DefaultConfig.EvictInterval),
			MaxEntities:   buffer.DefaultConfig.MaxEntities,
		},
		AMQP: AMQPConfig{
			Exchange:      "sequent.events",
			Queue:         "sequent.events.queue",
			ConsumerTag:   "sequent-consumer",
			PrefetchCount: 32,
			Workers:       4,
			DeliveryQueue: 64,
		},
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Sequence.Driver {
	case "memory":
	case "sqlite":
		if c.Sequence.Path == "" {
			return fmt.Errorf("sequence.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("sequence.driver must be \"memory\" or \"sqlite\", got %q", c.Sequence.Driver)
	}

	if c.Buffer.GapThreshold < 0 {
		return fmt.Errorf("buffer.gap_threshold must not be negative")
	}
	if c.Buffer.MaxEntities < 0 {
		return fmt.Errorf("buffer.max_entities must not be negative")
	}

	for name, p := range map[string]RetryProfileConfig{
		"retry.storage":     c.Retry.Storage,
		"retry.messaging":   c.Retry.Messaging,
		"retry.remote_call": c.Retry.RemoteCall,
	} {
		if p.MaxRetries < 0 {
			return fmt.Errorf("%s.max_retries must not be negative", name)
		}
		if p.Multiplier < 0 {
			return fmt.Errorf("%s.multiplier must not be negative", name)
		}
	}

	if c.AMQP.Enabled {
		if err := c.AMQP.EmitterConfig().Validate(); err != nil {
			return err
		}
		if err := c.AMQP.ConsumerConfig().Validate(); err != nil {
			return err
		}
	}
	return nil
}
