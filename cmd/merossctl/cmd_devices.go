package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Connect and list enrolled devices",
	Long:  `Log in using the stored session, enroll devices over MQTT/LAN, and print the registry.`,
	RunE:  devicesRun,
}

func devicesRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := connectedManager(ctx)
	if err != nil {
		return err
	}
	defer m.DisconnectAll(false)

	entries := m.Registry.All()
	if len(entries) == 0 {
		fmt.Fprintln(cmdOutput, "no devices enrolled")
		return nil
	}

	for _, e := range entries {
		fmt.Fprintf(cmdOutput, "%-24s %-12s %-20s online=%d\n",
			e.InternalID(), e.Type(), e.Name(), e.OnlineStatus())
	}
	return nil
}
