// Package cmd implements the loom command-line interface. The daemon
// command runs the coordination daemon; the remaining commands are thin
// IPC clients for smoke use (the full CLI front-end lives outside the
// core).
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zjrosen/loom/internal/config"
	"github.com/zjrosen/loom/internal/ipc"
	"github.com/zjrosen/loom/internal/log"
)

var (
	version       = "dev"
	workspaceFlag string
	debugFlag     bool
)

var rootCmd = &cobra.Command{
	Use:     "loom",
	Short:   "Coordination daemon for multi-agent AI coding workflows",
	Long: `Loom drives multi-agent AI coding workflows on a developer workstation.
It schedules external coding agents through a bounded pool, interprets
workflow graphs, and persists session state under the workspace.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "",
		"workspace root (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging to loom-debug.log")
}

// SetVersion injects build information.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the CLI, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// workspaceDir resolves the workspace root.
func workspaceDir() (string, error) {
	if workspaceFlag != "" {
		return filepath.Abs(workspaceFlag)
	}
	return os.Getwd()
}

// loadConfig resolves and validates the workspace configuration.
func loadConfig() (config.Config, error) {
	ws, err := workspaceDir()
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(ws)
}

// initLogging turns on file logging when requested.
func initLogging() func() {
	if !debugFlag && os.Getenv("LOOM_DEBUG") == "" {
		log.SetEnabled(false)
		return func() {}
	}
	path := os.Getenv("LOOM_LOG")
	if path == "" {
		path = "loom-debug.log"
	}
	cleanup, err := log.Init(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Warning: logging unavailable:", err)
		return func() {}
	}
	return cleanup
}

// dialDaemon connects to the running daemon via the port file.
func dialDaemon() (*ipc.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	portFile := filepath.Join(cfg.Workspace, cfg.WorkingDirectory, ".cache", "daemon.port")
	client, err := ipc.DialPortFile(portFile)
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? %w", err)
	}
	return client, nil
}
