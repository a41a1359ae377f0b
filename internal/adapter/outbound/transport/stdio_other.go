//go:build windows

package transport

import "os/exec"

// setProcessGroup is a no-op on Windows; there is no SIGKILL-a-group
// equivalent reachable through os/exec alone.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
