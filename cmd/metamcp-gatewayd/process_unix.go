//go:build !windows

package main

import (
	"os"
	"syscall"
)

// gracefulSignals returns the OS signals that trigger a graceful shutdown.
// On Unix: SIGINT (Ctrl+C) and SIGTERM (kill).
func gracefulSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}
