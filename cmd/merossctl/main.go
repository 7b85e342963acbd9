// Command merossctl is a small CLI for driving a manager session against
// the Meross cloud API: authenticate, list enrolled devices, send a raw
// command, or run an interactive shell. Structured the way cmd/cmd_root.go
// structures otto: a root command plus verb subcommands.
package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cmdOutput io.Writer
	cfgFile   string
	sessFile  string
)

var rootCmd = &cobra.Command{
	Use:   "merossctl",
	Short: "merossctl drives a Meross cloud device manager session",
	Long:  `merossctl authenticates against the Meross cloud API, enrolls devices over MQTT/LAN, and lets you inspect or command them.`,
}

func init() {
	cmdOutput = os.Stdout
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults to MEROSS_* env vars only)")
	rootCmd.PersistentFlags().StringVar(&sessFile, "session-file", defaultSessionPath(), "where login stores the authenticated session")
	rootCmd.SetOut(cmdOutput)

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
