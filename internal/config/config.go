// Package config loads broker configuration from a KDL file. Flags override
// file values; file values override defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// FileName is the configuration file the broker looks for when no explicit
// path is given: ./gbe.kdl, then $XDG_CONFIG_HOME/gbe/gbe.kdl.
const FileName = "gbe.kdl"

// KDLConfig mirrors the gbe.kdl structure.
type KDLConfig struct {
	Broker KDLBroker `kdl:"broker"`
	Proxy  KDLProxy  `kdl:"proxy"`
	Log    KDLLog    `kdl:"log"`
}

// KDLBroker holds broker settings.
type KDLBroker struct {
	Socket        string `kdl:"socket"`
	DataDir       string `kdl:"data-dir"`
	MaxFrameBytes int    `kdl:"max-frame-bytes"`
	MaxClients    int    `kdl:"max-clients"`
}

// KDLProxy holds proxy lifecycle settings.
type KDLProxy struct {
	SpawnTimeoutMs    int  `kdl:"spawn-timeout-ms"`
	GracefulTimeoutMs int  `kdl:"graceful-timeout-ms"`
	StallThresholdMs  int  `kdl:"stall-threshold-ms"`
	BufferBudget      int  `kdl:"buffer-budget"`
	HeadOfLineStall   bool `kdl:"head-of-line-stall"`
}

// KDLLog holds logging settings.
type KDLLog struct {
	Level     string `kdl:"level"`
	File      string `kdl:"file"`
	MaxSizeMB int    `kdl:"max-size-mb"`
}

// Config is the resolved configuration.
type Config struct {
	Socket        string
	DataDir       string
	MaxFrameBytes uint32
	MaxClients    int

	ProxySpawnTimeout    time.Duration
	ProxyGracefulTimeout time.Duration
	StallThreshold       time.Duration
	BufferBudget         int
	HeadOfLineStall      bool

	LogLevel     string
	LogFile      string
	LogMaxSizeMB int
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Socket:               "unix:///tmp/gbe-router.sock",
		MaxFrameBytes:        1 << 20,
		ProxySpawnTimeout:    500 * time.Millisecond,
		ProxyGracefulTimeout: time.Second,
		StallThreshold:       100 * time.Millisecond,
		BufferBudget:         4 << 20,
		LogLevel:             "info",
	}
}

// Load resolves configuration from path. An empty path searches the default
// locations; a missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = findDefault()
	}
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses KDL configuration data over the defaults.
func Parse(data []byte) (*Config, error) {
	var kc KDLConfig
	if err := kdl.Unmarshal(data, &kc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default()
	if kc.Broker.Socket != "" {
		cfg.Socket = kc.Broker.Socket
	}
	if kc.Broker.DataDir != "" {
		cfg.DataDir = kc.Broker.DataDir
	}
	if kc.Broker.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = uint32(kc.Broker.MaxFrameBytes)
	}
	if kc.Broker.MaxClients > 0 {
		cfg.MaxClients = kc.Broker.MaxClients
	}

	if kc.Proxy.SpawnTimeoutMs > 0 {
		cfg.ProxySpawnTimeout = time.Duration(kc.Proxy.SpawnTimeoutMs) * time.Millisecond
	}
	if kc.Proxy.GracefulTimeoutMs > 0 {
		cfg.ProxyGracefulTimeout = time.Duration(kc.Proxy.GracefulTimeoutMs) * time.Millisecond
	}
	if kc.Proxy.StallThresholdMs > 0 {
		cfg.StallThreshold = time.Duration(kc.Proxy.StallThresholdMs) * time.Millisecond
	}
	if kc.Proxy.BufferBudget > 0 {
		cfg.BufferBudget = kc.Proxy.BufferBudget
	}
	cfg.HeadOfLineStall = kc.Proxy.HeadOfLineStall

	if kc.Log.Level != "" {
		cfg.LogLevel = kc.Log.Level
	}
	cfg.LogFile = kc.Log.File
	if kc.Log.MaxSizeMB > 0 {
		cfg.LogMaxSizeMB = kc.Log.MaxSizeMB
	}

	return cfg, nil
}

func findDefault() string {
	if _, err := os.Stat(FileName); err == nil {
		return FileName
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	candidate := filepath.Join(configDir, "gbe", FileName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}
