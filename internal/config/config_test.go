package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, DefaultCacheLimit, opts.CacheLimit)
	assert.Equal(t, DefaultMetadataCacheLimit, opts.MetadataCacheLimit)
	assert.Equal(t, DefaultBusyTimeout, opts.BusyTimeout)
	assert.Equal(t, DefaultObserverBuffer, opts.ObserverBuffer)
	assert.False(t, opts.DisableCheckpoints)
	require.NoError(t, opts.Validate())
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"cache_limit: 10\nbusy_timeout: 2s\ndisable_checkpoints: true\n"), 0o644))

	opts, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, opts.CacheLimit)
	assert.Equal(t, 2*time.Second, opts.BusyTimeout)
	assert.True(t, opts.DisableCheckpoints)
	// Unspecified fields keep their defaults.
	assert.Equal(t, DefaultMetadataCacheLimit, opts.MetadataCacheLimit)
	assert.Equal(t, DefaultObserverBuffer, opts.ObserverBuffer)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache_limit: -5\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache_limit: [not a number\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"negative cache", func(o *Options) { o.CacheLimit = -1 }},
		{"negative metadata cache", func(o *Options) { o.MetadataCacheLimit = -1 }},
		{"negative busy timeout", func(o *Options) { o.BusyTimeout = -time.Second }},
		{"negative observer buffer", func(o *Options) { o.ObserverBuffer = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mutate(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}

func TestLogFallsBackToDefault(t *testing.T) {
	var opts Options
	assert.NotNil(t, opts.Log())
}
