package reliability

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/zoobzio/tracemachine"
)

// Level names a reliability preset.
type Level string

const (
	LevelBasic  Level = "basic"
	LevelStress Level = "stress"
)

// ReliabilityConfig drives a reliability run. Machine is loaded like any
// deployment: an optional YAML file named by TRACEMACHINE_RELIABILITY_CONFIG
// with TRACEMACHINE_* overrides on top.
type ReliabilityConfig struct {
	Machine          tracemachine.Config
	Level            Level
	Duration         time.Duration
	Threads          int
	Interactions     int
	FailureThreshold float64
}

var presets = map[Level]ReliabilityConfig{
	LevelBasic: {
		Duration:         5 * time.Second,
		Threads:          8,
		Interactions:     200,
		FailureThreshold: 0.01,
	},
	LevelStress: {
		Duration:         30 * time.Second,
		Threads:          64,
		Interactions:     2000,
		FailureThreshold: 0.05,
	},
}

// loadReliabilityConfig skips t unless TRACEMACHINE_RELIABILITY_LEVEL names
// a preset, then applies TRACEMACHINE_RELIABILITY_* overrides.
func loadReliabilityConfig(t *testing.T) ReliabilityConfig {
	t.Helper()

	level := Level(os.Getenv("TRACEMACHINE_RELIABILITY_LEVEL"))
	if level == "" {
		t.Skip("TRACEMACHINE_RELIABILITY_LEVEL not set, skipping reliability tests")
	}
	cfg, ok := presets[level]
	if !ok {
		t.Skipf("unknown reliability level %q", level)
	}
	cfg.Level = level

	override("DURATION", time.ParseDuration, &cfg.Duration)
	override("THREADS", strconv.Atoi, &cfg.Threads)
	override("INTERACTIONS", strconv.Atoi, &cfg.Interactions)
	override("FAILURE_THRESHOLD", func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	}, &cfg.FailureThreshold)

	machine, err := tracemachine.LoadConfig(os.Getenv("TRACEMACHINE_RELIABILITY_CONFIG"))
	if err != nil {
		t.Fatalf("load machine config: %v", err)
	}
	cfg.Machine = machine
	return cfg
}

// override replaces dst when the variable is set and parses.
func override[T any](key string, parse func(string) (T, error), dst *T) {
	value := os.Getenv("TRACEMACHINE_RELIABILITY_" + key)
	if value == "" {
		return
	}
	if v, err := parse(value); err == nil {
		*dst = v
	}
}
