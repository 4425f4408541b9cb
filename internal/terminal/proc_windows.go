//go:build windows

package terminal

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup only reaches the shell itself on Windows.
func killProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
