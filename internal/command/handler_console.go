package command

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
)

// NewConsoleHandler builds the console command handler (spec §4.7 item 1):
// spawn a shell process, capture stdout/stderr, and on deadline expiry
// terminate the process tree and report errorCode=timeout.
func NewConsoleHandler() Handler {
	return func(ctx context.Context, cmd Command) Result {
		usePowerShell, _ := cmd.Parameters["use_powershell"].(bool)
		shell, args := shellCommand(usePowerShell, cmd.Command)

		proc := exec.Command(shell, args...)
		setupProcessGroup(proc)

		var stdout, stderr bytes.Buffer
		proc.Stdout = &stdout
		proc.Stderr = &stderr

		if err := proc.Start(); err != nil {
			return failResult(cmd, ErrorCodeInternal, "start process: "+err.Error())
		}

		done := make(chan error, 1)
		go func() { done <- proc.Wait() }()

		select {
		case err := <-done:
			exitCode := 0
			if proc.ProcessState != nil {
				exitCode = proc.ProcessState.ExitCode()
			}
			result := Result{
				CommandID:   cmd.CommandID,
				CommandType: cmd.Type,
				Success:     err == nil,
				Stdout:      stdout.String(),
				Stderr:      stderr.String(),
				ExitCode:    intPtr(exitCode),
			}
			if err != nil {
				result.ErrorCode = ErrorCodeInternal
				result.ErrorMessage = err.Error()
			}
			return result

		case <-ctx.Done():
			killProcessTree(proc)
			<-done // reap the process so it doesn't remain a zombie
			return failResult(cmd, ErrorCodeTimeout, "command exceeded its deadline")
		}
	}
}

// shellCommand selects the shell invocation for the current platform,
// honoring parameters.use_powershell when set.
func shellCommand(usePowerShell bool, command string) (string, []string) {
	if runtime.GOOS == "windows" {
		if usePowerShell {
			return "powershell.exe", []string{"-NoProfile", "-NonInteractive", "-Command", command}
		}
		return "cmd.exe", []string{"/C", command}
	}
	return "/bin/sh", []string{"-c", command}
}
