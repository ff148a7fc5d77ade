package command

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// NewSystemActionHandler builds the system_action handler (spec §4.7 item
// 2): restart, shutdown, or logoff, honoring parameters.force and
// parameters.delay_sec.
func NewSystemActionHandler() Handler {
	return func(ctx context.Context, cmd Command) Result {
		action, _ := cmd.Parameters["action"].(string)
		force, _ := cmd.Parameters["force"].(bool)
		delaySec := 0
		if raw, ok := cmd.Parameters["delay_sec"]; ok {
			if v, ok := asSeconds(raw); ok {
				delaySec = int(v)
			}
		}

		proc, err := systemActionCommand(action, force, delaySec)
		if err != nil {
			return failResult(cmd, ErrorCodeInternal, err.Error())
		}

		if err := proc.Run(); err != nil {
			return failResult(cmd, ErrorCodeInternal, "system action failed: "+err.Error())
		}
		return Result{CommandID: cmd.CommandID, CommandType: cmd.Type, Success: true, ExitCode: intPtr(0)}
	}
}

func systemActionCommand(action string, force bool, delaySec int) (*exec.Cmd, error) {
	if runtime.GOOS == "windows" {
		args := []string{"/t", strconv.Itoa(delaySec)}
		switch action {
		case "restart":
			args = append([]string{"/r"}, args...)
		case "shutdown":
			args = append([]string{"/s"}, args...)
		case "logoff":
			return exec.Command("shutdown.exe", "/l"), nil
		default:
			return nil, fmt.Errorf("unknown system action: %q", action)
		}
		if force {
			args = append(args, "/f")
		}
		return exec.Command("shutdown.exe", args...), nil
	}

	switch action {
	case "restart":
		return exec.Command("shutdown", "-r", fmt.Sprintf("+%d", delaySec/60)), nil
	case "shutdown":
		return exec.Command("shutdown", "-h", fmt.Sprintf("+%d", delaySec/60)), nil
	case "logoff":
		return exec.Command("pkill", "-KILL", "-u", strconv.Itoa(os.Getuid())), nil
	default:
		return nil, fmt.Errorf("unknown system action: %q", action)
	}
}
