package broker

import "time"

// Config holds broker configuration.
type Config struct {
	// SocketAddress is the broker's own control listen address.
	SocketAddress string

	// DataDir is the directory for tool and proxy data sockets.
	// Empty means the system temp directory.
	DataDir string

	// MaxControlFrame bounds control envelope payloads (bytes).
	MaxControlFrame uint32

	// ProxyCommand is the argv prefix used to spawn the tee proxy.
	// Empty means "<this executable> proxy". Tests override it.
	ProxyCommand []string

	// ProxySpawnTimeout bounds the wait for a spawned proxy's socket file.
	ProxySpawnTimeout time.Duration

	// ProxyGracefulTimeout is the SIGTERM grace before SIGKILL.
	ProxyGracefulTimeout time.Duration

	// ProxyStallThreshold, ProxyBufferBudget, and ProxyHeadOfLineStall are
	// handed to spawned proxies; zero values keep the proxy's defaults.
	ProxyStallThreshold  time.Duration
	ProxyBufferBudget    int
	ProxyHeadOfLineStall bool

	// ShutdownTimeout bounds drain on Stop.
	ShutdownTimeout time.Duration

	// MaxClients caps concurrent control links (0 = unlimited).
	MaxClients int
}

// DefaultConfig returns sensible defaults matching the wire contract.
func DefaultConfig() Config {
	return Config{
		SocketAddress:        "unix:///tmp/gbe-router.sock",
		MaxControlFrame:      1 << 20,
		ProxySpawnTimeout:    500 * time.Millisecond,
		ProxyGracefulTimeout: time.Second,
		ShutdownTimeout:      5 * time.Second,
		MaxClients:           0,
	}
}
