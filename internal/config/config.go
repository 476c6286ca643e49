package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the monitor's tuning surface. All fields are optional pointers
// so a partial JSON file overrides only what it names; the Get* accessors
// supply the defaults for everything else.
type Config struct {
	// Measurement store
	SmoothingWindow *int    `json:"smoothing_window,omitempty"`
	Staleness       *string `json:"staleness,omitempty"` // duration string like "15s"

	// Collector
	PollInterval     *string `json:"poll_interval,omitempty"`
	DiscoverInterval *string `json:"discover_interval,omitempty"`
	OfflineThreshold *int    `json:"offline_threshold,omitempty"` // consecutive failures

	// Estimator
	Ordering         *string  `json:"ordering,omitempty"` // occurrence | score
	PreferredBandGHz *float64 `json:"preferred_band_ghz,omitempty"`

	// Coordinator
	Debounce      *string  `json:"debounce,omitempty"`
	RandomExtentM *float64 `json:"random_extent_m,omitempty"`

	// Sinks
	HistoryPath *string `json:"history_path,omitempty"` // empty disables history
	MetricsAddr *string `json:"metrics_addr,omitempty"`
}

// Load reads a Config from a JSON file. Fields omitted from the file keep
// their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.SmoothingWindow != nil && *c.SmoothingWindow < 1 {
		return fmt.Errorf("smoothing_window must be at least 1, got %d", *c.SmoothingWindow)
	}
	if c.OfflineThreshold != nil && *c.OfflineThreshold < 1 {
		return fmt.Errorf("offline_threshold must be at least 1, got %d", *c.OfflineThreshold)
	}
	if c.Ordering != nil {
		switch *c.Ordering {
		case "occurrence", "score":
		default:
			return fmt.Errorf("ordering must be occurrence or score, got %q", *c.Ordering)
		}
	}
	if c.PreferredBandGHz != nil && *c.PreferredBandGHz != 2.4 && *c.PreferredBandGHz != 5 {
		return fmt.Errorf("preferred_band_ghz must be 2.4 or 5, got %v", *c.PreferredBandGHz)
	}
	if c.RandomExtentM != nil && *c.RandomExtentM <= 0 {
		return fmt.Errorf("random_extent_m must be positive, got %v", *c.RandomExtentM)
	}
	for name, raw := range map[string]*string{
		"staleness":         c.Staleness,
		"poll_interval":     c.PollInterval,
		"discover_interval": c.DiscoverInterval,
		"debounce":          c.Debounce,
	} {
		if raw == nil || *raw == "" {
			continue
		}
		if _, err := time.ParseDuration(*raw); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *raw, err)
		}
	}
	return nil
}

func (c *Config) GetSmoothingWindow() int {
	if c.SmoothingWindow == nil {
		return 3
	}
	return *c.SmoothingWindow
}

func (c *Config) GetStaleness() time.Duration {
	return c.duration(c.Staleness, 15*time.Second)
}

func (c *Config) GetPollInterval() time.Duration {
	return c.duration(c.PollInterval, 3*time.Second)
}

func (c *Config) GetDiscoverInterval() time.Duration {
	return c.duration(c.DiscoverInterval, 30*time.Second)
}

func (c *Config) GetOfflineThreshold() int {
	if c.OfflineThreshold == nil {
		return 3
	}
	return *c.OfflineThreshold
}

func (c *Config) GetOrdering() string {
	if c.Ordering == nil || *c.Ordering == "" {
		return "occurrence"
	}
	return *c.Ordering
}

func (c *Config) GetPreferredBandGHz() float64 {
	if c.PreferredBandGHz == nil {
		return 2.4
	}
	return *c.PreferredBandGHz
}

func (c *Config) GetDebounce() time.Duration {
	return c.duration(c.Debounce, 500*time.Millisecond)
}

func (c *Config) GetRandomExtentM() float64 {
	if c.RandomExtentM == nil {
		return 100
	}
	return *c.RandomExtentM
}

// GetHistoryPath returns the placement history database path; empty means
// history recording is disabled.
func (c *Config) GetHistoryPath() string {
	if c.HistoryPath == nil {
		return ""
	}
	return *c.HistoryPath
}

func (c *Config) GetMetricsAddr() string {
	if c.MetricsAddr == nil || *c.MetricsAddr == "" {
		return ":9103"
	}
	return *c.MetricsAddr
}

func (c *Config) duration(raw *string, def time.Duration) time.Duration {
	if raw == nil || *raw == "" {
		return def
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return def
	}
	return d
}
