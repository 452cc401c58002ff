package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopTimeout int

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running memorygraph server",
	Long: `Stop the memorygraph server recorded in the data directory's PID file.
Sends SIGTERM and waits for it to shut down, then falls back to SIGKILL.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the server to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := getPIDFilePath(cfg)
	out := cmd.OutOrStdout()

	if !isRunning(pidFile) {
		_ = os.Remove(pidFile)
		return fmt.Errorf("server is not running")
	}
	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !isRunning(pidFile) {
			fmt.Fprintln(out, "Server stopped")
			_ = os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	_ = os.Remove(pidFile)
	fmt.Fprintln(out, "Server killed")
	return nil
}
