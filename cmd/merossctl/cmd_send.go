package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rustyeddy/merossmgr/codec"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <uuid> <method> <namespace> [json-payload]",
	Short: "Send a raw request to one enrolled device",
	Long:  `Connect, then publish a single GET/SET request to the given device's namespace and print the reply.`,
	Args:  cobra.RangeArgs(3, 4),
	RunE:  sendRun,
}

func sendRun(cmd *cobra.Command, args []string) error {
	uuid, method, namespace := args[0], args[1], args[2]

	var payload any
	if len(args) == 4 {
		if err := json.Unmarshal([]byte(args[3]), &payload); err != nil {
			return fmt.Errorf("invalid json payload: %w", err)
		}
	} else {
		payload = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := connectedManager(ctx)
	if err != nil {
		return err
	}
	defer m.DisconnectAll(false)

	reply, err := m.Send(uuid, codec.Method(method), namespace, payload)
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		fmt.Fprintf(cmdOutput, "%+v\n", reply)
		return nil
	}
	fmt.Fprintln(cmdOutput, string(out))
	return nil
}
