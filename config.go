package tracemachine

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "TRACEMACHINE"

const (
	// DefaultHealthyTimeout closes an idle tree with nothing outstanding.
	DefaultHealthyTimeout = 500 * time.Millisecond
	// DefaultUnhealthyTimeout closes a tree regardless of outstanding spans.
	DefaultUnhealthyTimeout = 60 * time.Second
	// DefaultMaxSpans caps the spans stored per tree.
	DefaultMaxSpans = 2000
	// DefaultTickInterval is the heartbeat period.
	DefaultTickInterval = time.Second
	// DefaultSampleInterval is the vitals sampling period.
	DefaultSampleInterval = 100 * time.Millisecond
	// DefaultQueueSize is the delivery queue channel size.
	DefaultQueueSize = 1024
	// DefaultIDPoolSize is how many span ids are generated ahead.
	DefaultIDPoolSize = 512
)

// Config holds the tunables of a Machine and its helpers.
type Config struct {
	HealthyTimeout   time.Duration `yaml:"healthy_timeout"`
	UnhealthyTimeout time.Duration `yaml:"unhealthy_timeout"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	MaxSpans         int           `yaml:"max_spans"`
	QueueSize        int           `yaml:"queue_size"`
	IDPoolSize       int           `yaml:"id_pool_size"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		HealthyTimeout:   DefaultHealthyTimeout,
		UnhealthyTimeout: DefaultUnhealthyTimeout,
		TickInterval:     DefaultTickInterval,
		SampleInterval:   DefaultSampleInterval,
		MaxSpans:         DefaultMaxSpans,
		QueueSize:        DefaultQueueSize,
		IDPoolSize:       DefaultIDPoolSize,
	}
}

// LoadConfig reads a YAML file over the defaults and then applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TRACEMACHINE_* variables.
// Unparseable values are ignored.
func (c *Config) ApplyEnv() {
	if d, ok := envDuration("HEALTHY_TIMEOUT"); ok {
		c.HealthyTimeout = d
	}
	if d, ok := envDuration("UNHEALTHY_TIMEOUT"); ok {
		c.UnhealthyTimeout = d
	}
	if d, ok := envDuration("TICK_INTERVAL"); ok {
		c.TickInterval = d
	}
	if d, ok := envDuration("SAMPLE_INTERVAL"); ok {
		c.SampleInterval = d
	}
	if n, ok := envInt("MAX_SPANS"); ok {
		c.MaxSpans = n
	}
	if n, ok := envInt("QUEUE_SIZE"); ok {
		c.QueueSize = n
	}
	if n, ok := envInt("ID_POOL_SIZE"); ok {
		c.IDPoolSize = n
	}
}

// Validate reports the first field that cannot drive a machine.
func (c Config) Validate() error {
	switch {
	case c.HealthyTimeout <= 0:
		return fmt.Errorf("%w: healthy_timeout must be > 0", ErrInvalidConfig)
	case c.UnhealthyTimeout <= 0:
		return fmt.Errorf("%w: unhealthy_timeout must be > 0", ErrInvalidConfig)
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick_interval must be > 0", ErrInvalidConfig)
	case c.SampleInterval <= 0:
		return fmt.Errorf("%w: sample_interval must be > 0", ErrInvalidConfig)
	case c.MaxSpans <= 0:
		return fmt.Errorf("%w: max_spans must be > 0", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be > 0", ErrInvalidConfig)
	case c.IDPoolSize <= 0:
		return fmt.Errorf("%w: id_pool_size must be > 0", ErrInvalidConfig)
	}
	return nil
}

func envDuration(key string) (time.Duration, bool) {
	value := os.Getenv(EnvPrefix + "_" + key)
	if value == "" {
		return 0, false
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(key string) (int, bool) {
	value := os.Getenv(EnvPrefix + "_" + key)
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}
