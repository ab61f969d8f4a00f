package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/loom/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the coordination daemon",
	Long: `Run the coordination daemon for the workspace. The daemon owns the
agent pool, the workflow engine, and session state; external clients
connect over the local IPC socket discovered via the port file.

Exit codes: 0 normal shutdown, 64 configuration error, 69 another daemon
holds the workspace lock, 70 unexpected internal error.`,
	Run: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) {
	cleanup := initLogging()
	defer cleanup()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(daemon.ExitConfig)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(daemon.ExitCodeFor(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(daemon.ExitCodeFor(err))
	}
}
