//go:build windows

package command

import (
	"os/exec"
	"strconv"
)

// setupProcessGroup is a no-op placeholder on Windows; killProcessTree
// below uses taskkill's tree-kill flag instead of a process group.
func setupProcessGroup(cmd *exec.Cmd) {}

// killProcessTree shells out to taskkill /T /F, which terminates the
// target process and its full descendant tree — there is no POSIX-style
// process-group primitive to rely on here.
func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid)).Run()
}
