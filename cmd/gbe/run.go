package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/standardbeagle/gbe/internal/adapter"
	"github.com/standardbeagle/gbe/internal/logger"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Wrap a command as a publishing tool",
	Long: `Run a command under the tool-side half of the fabric.

The adapter registers with the broker, binds its assigned data socket, and
publishes the command's combined stdout/stderr as a framed (or raw) stream.
Local stdin and control-plane Input payloads are forwarded to the command.

Examples:
  gbe run -- seq 1 5
  gbe run --pty -- top
  gbe run --raw --cap color -- ./generator`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("pty", false, "Attach the command to a pseudo-terminal")
	runCmd.Flags().Bool("raw", false, "Publish an unframed byte stream")
	runCmd.Flags().StringArray("cap", nil, "Additional capability token (repeatable)")
	runCmd.Flags().String("dir", "", "Working directory for the command")
}

func runRun(cmd *cobra.Command, args []string) error {
	usePTY, _ := cmd.Flags().GetBool("pty")
	useRaw, _ := cmd.Flags().GetBool("raw")
	caps, _ := cmd.Flags().GetStringArray("cap")
	dir, _ := cmd.Flags().GetString("dir")

	if usePTY && !hasToken(caps, "pty") {
		caps = append(caps, "pty")
	}
	if useRaw && !hasToken(caps, "raw") {
		caps = append(caps, "raw")
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	a := adapter.New(adapter.Config{
		Broker:       brokerAddress(cmd),
		Command:      args[0],
		Args:         args[1:],
		Dir:          dir,
		Capabilities: caps,
	}, adapter.Events{
		OnChildExit: func(code int) {
			if code != 0 {
				fmt.Fprintf(os.Stderr, "%s exited with code %d\n", args[0], code)
			}
		},
	}, logger.New(logger.Options{Level: "warn", Console: true}))

	// With a PTY child and a terminal on our own stdin, pass keystrokes
	// through unmodified.
	if usePTY && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}

	// Local stdin joins the control-plane Input path once the child is up.
	go func() {
		for a.State() < adapter.StateRunning {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := a.WriteInput(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					fmt.Fprintf(os.Stderr, "stdin: %v\n", err)
				}
				return
			}
		}
	}()

	return a.Run(ctx)
}

func hasToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}
