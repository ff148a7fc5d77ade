//go:build !windows

package command

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup places the child in its own process group so the
// whole tree it spawns can be terminated at once.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree sends SIGKILL to the process group rooted at proc.
func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
