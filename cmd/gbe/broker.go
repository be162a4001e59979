package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/gbe/internal/broker"
	"github.com/standardbeagle/gbe/internal/config"
	"github.com/standardbeagle/gbe/internal/logger"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the control-plane broker",
	Long: `Run the broker in the foreground.

The broker accepts tool control connections, assigns identities and data
socket addresses, tracks subscriptions, and spawns tee proxies for fan-out.
On SIGINT/SIGTERM it drains: new connections are refused, connected tools
receive a Disconnect, and all proxies and owned socket files are cleaned up.`,
	RunE: runBroker,
}

func init() {
	brokerCmd.Flags().String("socket", "", "Control socket address (default unix:///tmp/gbe-router.sock)")
	brokerCmd.Flags().String("dir", "", "Directory for data sockets (default system temp)")
	brokerCmd.Flags().String("config", "", "Path to gbe.kdl")
	brokerCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	brokerCmd.Flags().String("log-file", "", "Log to a rotating file instead of stderr")
}

func runBroker(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("socket"); v != "" {
		cfg.Socket = v
	}
	if v := brokerAddress(cmd); v != "" {
		cfg.Socket = v
	}
	if v, _ := cmd.Flags().GetString("dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-file"); v != "" {
		cfg.LogFile = v
	}

	log := logger.New(logger.Options{
		Level:     cfg.LogLevel,
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
		Console:   cfg.LogFile == "",
	})

	b := broker.New(broker.Config{
		SocketAddress:        cfg.Socket,
		DataDir:              cfg.DataDir,
		MaxControlFrame:      cfg.MaxFrameBytes,
		MaxClients:           cfg.MaxClients,
		ProxySpawnTimeout:    cfg.ProxySpawnTimeout,
		ProxyGracefulTimeout: cfg.ProxyGracefulTimeout,
		ProxyStallThreshold:  cfg.StallThreshold,
		ProxyBufferBudget:    cfg.BufferBudget,
		ProxyHeadOfLineStall: cfg.HeadOfLineStall,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := b.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		return err
	}
	return nil
}
