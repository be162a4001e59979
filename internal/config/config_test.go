package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "unix:///tmp/gbe-router.sock", cfg.Socket)
	assert.Equal(t, uint32(1<<20), cfg.MaxFrameBytes)
	assert.Equal(t, 500*time.Millisecond, cfg.ProxySpawnTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.StallThreshold)
	assert.Equal(t, 4<<20, cfg.BufferBudget)
	assert.False(t, cfg.HeadOfLineStall)
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
broker {
    socket "unix:///run/gbe/router.sock"
    data-dir "/run/gbe"
    max-frame-bytes 65536
    max-clients 32
}
proxy {
    spawn-timeout-ms 250
    stall-threshold-ms 50
    buffer-budget 1048576
    head-of-line-stall true
}
log {
    level "debug"
    file "/var/log/gbe/broker.log"
    max-size-mb 10
}
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "unix:///run/gbe/router.sock", cfg.Socket)
	assert.Equal(t, "/run/gbe", cfg.DataDir)
	assert.Equal(t, uint32(65536), cfg.MaxFrameBytes)
	assert.Equal(t, 32, cfg.MaxClients)
	assert.Equal(t, 250*time.Millisecond, cfg.ProxySpawnTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.StallThreshold)
	assert.Equal(t, 1<<20, cfg.BufferBudget)
	assert.True(t, cfg.HeadOfLineStall)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/log/gbe/broker.log", cfg.LogFile)
	assert.Equal(t, 10, cfg.LogMaxSizeMB)

	// Untouched settings keep their defaults.
	assert.Equal(t, time.Second, cfg.ProxyGracefulTimeout)
}

func TestParsePartialFile(t *testing.T) {
	cfg, err := Parse([]byte(`broker { socket "unix:///tmp/other.sock" }`))
	require.NoError(t, err)
	assert.Equal(t, "unix:///tmp/other.sock", cfg.Socket)
	assert.Equal(t, uint32(1<<20), cfg.MaxFrameBytes)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte(`broker { socket `))
	require.Error(t, err)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.kdl"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gbe.kdl")
	require.NoError(t, os.WriteFile(path, []byte(`log { level "warn" }`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}
