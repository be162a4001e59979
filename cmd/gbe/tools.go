package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/gbe/internal/client"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List connected tools",
	RunE:  runTools,
}

func runTools(cmd *cobra.Command, args []string) error {
	c := client.New(client.WithBrokerAddress(brokerAddress(cmd)))
	if err := c.Dial(); err != nil {
		return err
	}
	defer c.Close()

	if _, _, err := c.Connect(nil); err != nil {
		return err
	}
	tools, err := c.QueryTools()
	if err != nil {
		return err
	}

	if len(tools) == 0 {
		fmt.Println("no tools connected")
		return nil
	}
	for _, t := range tools {
		caps := "-"
		if len(t.Capabilities) > 0 {
			caps = strings.Join(t.Capabilities, ",")
		}
		fmt.Printf("%-16s %s\n", t.ToolID, caps)
	}
	return nil
}
