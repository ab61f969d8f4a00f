// Package main is the entry point for the loom coordination daemon.
package main

import (
	"fmt"

	"github.com/zjrosen/loom/cmd"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	versionString := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	cmd.SetVersion(versionString)
	cmd.Execute()
}
