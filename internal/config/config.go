// Package config holds the tunable options for an open keyhole database and
// loads them from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default cache limits. The metadata cache is larger because metadata blobs
// are typically small and metadata-only scans are common.
const (
	DefaultCacheLimit         = 250
	DefaultMetadataCacheLimit = 500
	DefaultObserverBuffer     = 64
	DefaultBusyTimeout        = 5 * time.Second
)

// Options configures one open database.
type Options struct {
	// CacheLimit bounds each connection's value cache (entries).
	// Zero disables the value cache.
	CacheLimit int `yaml:"cache_limit"`

	// MetadataCacheLimit bounds each connection's metadata cache (entries).
	// Zero disables the metadata cache.
	MetadataCacheLimit int `yaml:"metadata_cache_limit"`

	// BusyTimeout is how long SQLite waits for a lock before failing.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// DisableCheckpoints turns off background WAL checkpointing.
	// Intended for tests and tooling; the WAL then grows until the next
	// process that checkpoints.
	DisableCheckpoints bool `yaml:"disable_checkpoints"`

	// ObserverBuffer is the channel buffer handed to commit observers.
	ObserverBuffer int `yaml:"observer_buffer"`

	// Logger receives engine diagnostics. Nil means slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultOptions returns the options used when the caller specifies nothing.
func DefaultOptions() Options {
	return Options{
		CacheLimit:         DefaultCacheLimit,
		MetadataCacheLimit: DefaultMetadataCacheLimit,
		BusyTimeout:        DefaultBusyTimeout,
		ObserverBuffer:     DefaultObserverBuffer,
	}
}

// Load reads YAML options from path, layered over DefaultOptions.
func Load(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("load options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("load options: parse %s: %w", path, err)
	}

	if err := opts.Validate(); err != nil {
		return Options{}, fmt.Errorf("load options: %s: %w", path, err)
	}
	return opts, nil
}

// Validate rejects option values the engine cannot honor.
func (o Options) Validate() error {
	if o.CacheLimit < 0 {
		return fmt.Errorf("cache_limit must be >= 0, got %d", o.CacheLimit)
	}
	if o.MetadataCacheLimit < 0 {
		return fmt.Errorf("metadata_cache_limit must be >= 0, got %d", o.MetadataCacheLimit)
	}
	if o.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout must be >= 0, got %s", o.BusyTimeout)
	}
	if o.ObserverBuffer < 0 {
		return fmt.Errorf("observer_buffer must be >= 0, got %d", o.ObserverBuffer)
	}
	return nil
}

// Log returns the configured logger, falling back to slog.Default.
func (o Options) Log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
