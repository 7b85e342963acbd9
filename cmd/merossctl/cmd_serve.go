package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rustyeddy/merossmgr/device"
	"github.com/rustyeddy/merossmgr/logging"
	"github.com/rustyeddy/merossmgr/server"
	"github.com/spf13/cobra"
)

var (
	serveAddr      string
	serveLogLevel  string
	serveLogFormat string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect and start the debug dashboard server",
	Long:  `Connect using the stored session, then serve the /api/devices snapshot and /ws/state live feed until interrupted.`,
	RunE:  serveRun,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8011", "debug server listen address")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", logging.DefaultLevel, "log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", logging.DefaultFormat, "log format (text, json)")
}

func serveRun(cmd *cobra.Command, args []string) error {
	logSvc, err := logging.NewService(logging.Config{
		Level:  serveLogLevel,
		Format: serveLogFormat,
		Output: logging.DefaultOutput,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub()
	broadcastEvent := func(deviceUUID string, ev device.Event) {
		_ = hub.Broadcast(map[string]any{
			"uuid":      deviceUUID,
			"type":      ev.Type,
			"channel":   ev.Channel,
			"value":     ev.Value,
			"source":    ev.Source,
			"timestamp": ev.Timestamp,
		})
	}

	m, err := connectedManagerWithHook(ctx, broadcastEvent)
	if err != nil {
		return err
	}
	defer m.DisconnectAll(false)

	srv := server.GetServer()
	srv.Addr = serveAddr
	srv.Register("/api/log", logSvc)

	fmt.Fprintf(cmdOutput, "serving on %s\n", serveAddr)
	done := make(chan any)
	go func() {
		<-ctx.Done()
		close(done)
	}()
	srv.Start(done, server.NewDevicesHandler(m.Registry), hub)
	return nil
}
