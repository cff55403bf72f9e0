//go:build !windows

package signals

import "syscall"

func init() {
	// SIGTERM is the standard graceful-shutdown signal on Linux/macOS.
	// It is not wired to the Windows job-object model, so we only register it here.
	Shutdown = append(Shutdown, syscall.SIGTERM)
}
