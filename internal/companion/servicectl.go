// Package companion implements the Updater Companion's protocol (spec
// §4.10): stop service, backup, swap, start service, watchdog, rollback.
// It is invoked by cmd/updater, a separate short-lived binary — the
// Update Manager in internal/update only locates and spawns it.
package companion

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// ServiceController is the thin external collaborator the Updater
// Companion uses to stop and start the agent's service (spec §4.10:
// actual service-manager *registration* is an installer concern and out
// of scope; the stop/start calls themselves are in scope).
type ServiceController interface {
	Stop(serviceName string) error
	Start(serviceName string) error
	IsRunning(serviceName string) (bool, error)
}

// OSServiceController shells out to the platform's own service manager —
// systemd on linux, sc.exe on windows — matching the teacher's pattern of
// driving external state through os/exec rather than a cgo service API.
type OSServiceController struct{}

func (OSServiceController) Stop(serviceName string) error {
	return runServiceCommand(serviceName, "stop")
}

func (OSServiceController) Start(serviceName string) error {
	return runServiceCommand(serviceName, "start")
}

func (OSServiceController) IsRunning(serviceName string) (bool, error) {
	if runtime.GOOS == "windows" {
		out, err := exec.Command("sc.exe", "query", serviceName).CombinedOutput()
		if err != nil {
			return false, fmt.Errorf("sc.exe query %s: %w", serviceName, err)
		}
		return strings.Contains(string(out), "RUNNING"), nil
	}
	out, err := exec.Command("systemctl", "is-active", serviceName).CombinedOutput()
	if err != nil {
		// systemctl is-active exits non-zero for any state other than
		// "active" — that's a normal "not running" answer, not a failure.
		return false, nil
	}
	return strings.Contains(string(out), "active"), nil
}

func runServiceCommand(serviceName, verb string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("sc.exe", verb, serviceName)
	} else {
		cmd = exec.Command("systemctl", verb, serviceName)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", verb, serviceName, err, out)
	}
	return nil
}
