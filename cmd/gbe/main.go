package main

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	appName    = "gbe"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Local IPC fabric for line-oriented tool streams",
	Long: `Gbe is a local IPC fabric that lets independent processes publish and
subscribe to line-oriented byte streams over Unix domain sockets:
  - broker: the control-plane coordinator (identity, subscriptions, proxies)
  - run:    wrap any command as a publishing tool
  - proxy:  tee one upstream data stream to many subscribers
  - tap:    subscribe to a tool's stream and print it
  - tools:  list connected tools`,
	Version: appVersion,
}

func init() {
	rootCmd.PersistentFlags().String("broker", "", "Broker control socket address (unix://...)")

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(tapCmd)
	rootCmd.AddCommand(toolsCmd)

	rootCmd.SetVersionTemplate(appName + " v" + appVersion + "\n")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func brokerAddress(cmd *cobra.Command) string {
	addr, _ := cmd.Root().PersistentFlags().GetString("broker")
	return addr
}
