package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/gbe/internal/logger"
	"github.com/standardbeagle/gbe/internal/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy --upstream ADDR --listen ADDR",
	Short: "Tee one upstream data stream to many subscribers",
	Long: `Run the standalone tee process.

The proxy connects to one upstream data socket and duplicates every frame
(or raw byte batch) to all downstream subscribers, preserving upstream
sequence numbers. Slow downstreams are reported via FlowControl on the
broker link and dropped by default. Exit code 0 means clean upstream EOF.

Normally the broker spawns this process; running it by hand is useful for
debugging.`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().String("upstream", "", "Upstream data socket address (required)")
	proxyCmd.Flags().String("listen", "", "Listen address for downstream subscribers (required)")
	proxyCmd.Flags().Bool("raw", false, "Relay an unframed byte stream")
	proxyCmd.Flags().String("source", "", "Upstream tool id for FlowControl reports")
	proxyCmd.Flags().Bool("head-of-line-stall", false, "Stall the tee on a slow downstream instead of dropping it")
	proxyCmd.Flags().Int("stall-ms", 0, "Per-write stall threshold in milliseconds (default 100)")
	proxyCmd.Flags().Int("budget", 0, "Per-downstream buffer budget in bytes (default 4 MiB)")
	_ = proxyCmd.MarkFlagRequired("upstream")
	_ = proxyCmd.MarkFlagRequired("listen")
}

func runProxy(cmd *cobra.Command, args []string) error {
	upstream, _ := cmd.Flags().GetString("upstream")
	listen, _ := cmd.Flags().GetString("listen")
	raw, _ := cmd.Flags().GetBool("raw")
	source, _ := cmd.Flags().GetString("source")
	holStall, _ := cmd.Flags().GetBool("head-of-line-stall")
	stallMs, _ := cmd.Flags().GetInt("stall-ms")
	budget, _ := cmd.Flags().GetInt("budget")

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	eng := proxy.New(proxy.Config{
		Upstream:        upstream,
		Listen:          listen,
		Raw:             raw,
		Broker:          brokerAddress(cmd),
		SourceID:        source,
		HeadOfLineStall: holStall,
		StallThreshold:  time.Duration(stallMs) * time.Millisecond,
		BufferBudget:    budget,
	}, logger.New(logger.Options{Level: "info", Console: true}))

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "proxy: %v\n", err)
		return err
	}
	return nil
}
