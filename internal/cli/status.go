package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpscope/mcpscope/internal/config"
	"github.com/mcpscope/mcpscope/internal/ipc"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bridge status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := dialIPC(cmd)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stdout, "Status:   stopped (IPC socket unreachable)")
		return nil
	}
	defer func() { _ = client.Close() }()

	status, err := client.Status()
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Status:   running\n")
	_, _ = fmt.Fprintf(os.Stdout, "Addr:     %s\n", status.Addr)
	_, _ = fmt.Fprintf(os.Stdout, "Uptime:   %s\n", status.Uptime)
	_, _ = fmt.Fprintf(os.Stdout, "Sessions: %d/%d\n", status.Sessions, status.MaxSessions)
	_, _ = fmt.Fprintf(os.Stdout, "Auth:     %s\n", status.AuthMode)
	_, _ = fmt.Fprintf(os.Stdout, "Storage:  %s\n", status.StorageDriver)
	_, _ = fmt.Fprintf(os.Stdout, "Version:  %s\n", status.Version)
	return nil
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		RunE:  runSessions,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "terminate <session-id>",
		Short: "Tear down one session and kill its process",
		Args:  cobra.ExactArgs(1),
		RunE:  runTerminate,
	})
	return cmd
}

func runSessions(cmd *cobra.Command, args []string) error {
	client, err := dialIPC(cmd)
	if err != nil {
		return fmt.Errorf("bridge not running: %w", err)
	}
	defer func() { _ = client.Close() }()

	sessions, err := client.Sessions()
	if err != nil {
		return fmt.Errorf("query sessions: %w", err)
	}
	if len(sessions) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No live sessions.")
		return nil
	}

	_, _ = fmt.Fprintf(os.Stdout, "%-36s  %-17s  %-7s  %-7s  %s\n", "ID", "STATE", "PID", "PENDING", "COMMAND")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(os.Stdout, "%-36s  %-17s  %-7d  %-7d  %s\n", s.ID, s.State, s.PID, s.Pending, s.Command)
	}
	return nil
}

func runTerminate(cmd *cobra.Command, args []string) error {
	client, err := dialIPC(cmd)
	if err != nil {
		return fmt.Errorf("bridge not running: %w", err)
	}
	defer func() { _ = client.Close() }()

	ok, err := client.Terminate(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no such session: %s", args[0])
	}
	_, _ = fmt.Fprintf(os.Stdout, "Session %s terminated.\n", args[0])
	return nil
}

// dialIPC resolves the socket path from the config file and connects.
func dialIPC(cmd *cobra.Command) (*ipc.Client, error) {
	configPath := resolveConfigPath(cmd, nil, "mcpscope-bridge.json")
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.Default()
	}
	return ipc.Dial(cfg.IPC.SocketPath)
}
