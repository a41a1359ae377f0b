//go:build windows

package main

import "os"

// gracefulSignals returns the OS signals that trigger a graceful shutdown.
// Windows has no syscall.SIGTERM, so os.Interrupt is the only one available.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
