//go:build windows

package store

import "os"

// processAlive checks if a process with the given PID is still running.
// Windows FindProcess fails for dead processes.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
