package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/gbe/internal/address"
	"github.com/standardbeagle/gbe/internal/client"
	"github.com/standardbeagle/gbe/internal/wire"
)

var tapCmd = &cobra.Command{
	Use:   "tap <tool-id>",
	Short: "Subscribe to a tool's stream and print it",
	Long: `Subscribe to a tool and copy its payload stream to stdout.

tap is a plain control-plane participant: it issues a Subscribe, connects to
the returned data address, and reads until EOF. Framed streams are printed
payload-only unless --framed-meta is set; raw streams are copied verbatim.`,
	Args: cobra.ExactArgs(1),
	RunE: runTap,
}

func init() {
	tapCmd.Flags().Bool("framed-meta", false, "Prefix each payload with seq and length")
}

func runTap(cmd *cobra.Command, args []string) error {
	target := args[0]
	showMeta, _ := cmd.Flags().GetBool("framed-meta")

	c := client.New(client.WithBrokerAddress(brokerAddress(cmd)))
	if err := c.Dial(); err != nil {
		return err
	}
	defer c.Close()

	if _, _, err := c.Connect(nil); err != nil {
		return err
	}
	ack, err := c.Subscribe(target)
	if err != nil {
		return err
	}

	raw := hasToken(ack.Capabilities, "raw")

	data, err := address.Dial(ack.DataConnectAddress)
	if err != nil {
		return err
	}
	defer data.Close()

	if raw {
		_, err = io.Copy(os.Stdout, data)
		return err
	}

	for {
		f, err := wire.ReadFrame(data)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if showMeta {
			fmt.Printf("[seq=%d len=%d] ", f.Seq, len(f.Payload))
		}
		if _, err := os.Stdout.Write(f.Payload); err != nil {
			return err
		}
	}
}
