package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/rustyeddy/merossmgr/codec"
	"github.com/rustyeddy/merossmgr/manager"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Run an interactive namespace/payload REPL against a connected session",
	Long:  `Connect using the stored session and accept raw "<uuid> <method> <namespace> [json]" commands until exit.`,
	RunE:  shellRun,
}

func shellRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := connectedManager(ctx)
	if err != nil {
		return err
	}
	defer m.DisconnectAll(false)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "merossctl\033[31m»\033[0m ",
		HistoryFile:       "/tmp/merossctl-readline.tmp",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	running := true
	for running {
		running = shellLine(rl, m)
	}
	fmt.Fprintln(cmdOutput, "bye")
	return nil
}

func shellLine(rl *readline.Instance, m *manager.Manager) bool {
	line, err := rl.Readline()
	switch err {
	case readline.ErrInterrupt:
		return len(line) != 0
	case io.EOF:
		return false
	}

	return runShellLine(m, line)
}

func runShellLine(m *manager.Manager, line string) bool {
	line = strings.TrimSpace(line)
	if line == "exit" || line == "quit" {
		return false
	}
	if line == "" {
		return true
	}

	fields := strings.SplitN(line, " ", 4)
	if len(fields) < 3 {
		fmt.Fprintln(cmdOutput, "usage: <uuid> <method> <namespace> [json-payload]")
		return true
	}

	var payload any = map[string]any{}
	if len(fields) == 4 {
		if err := json.Unmarshal([]byte(fields[3]), &payload); err != nil {
			fmt.Fprintf(cmdOutput, "invalid json payload: %s\n", err)
			return true
		}
	}

	reply, err := m.Send(fields[0], codec.Method(fields[1]), fields[2], payload)
	if err != nil {
		fmt.Fprintf(cmdOutput, "error: %s\n", err)
		return true
	}

	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		fmt.Fprintf(cmdOutput, "%+v\n", reply)
		return true
	}
	fmt.Fprintln(cmdOutput, string(out))
	return true
}
