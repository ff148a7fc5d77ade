package companion

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ExitCode is the closed enumeration of Updater Companion process exit
// statuses (spec §6).
type ExitCode int

const (
	ExitSuccess ExitCode = iota
	ExitInvalidArguments
	ExitStopFailed
	ExitBackupFailed
	ExitCopyFailed
	ExitStartFailed
	ExitWatchdogFailed
	ExitRollbackFailed
	ExitGeneralFailure
)

func (c ExitCode) String() string {
	switch c {
	case ExitSuccess:
		return "success"
	case ExitInvalidArguments:
		return "invalid_arguments"
	case ExitStopFailed:
		return "stop_failed"
	case ExitBackupFailed:
		return "backup_failed"
	case ExitCopyFailed:
		return "copy_failed"
	case ExitStartFailed:
		return "start_failed"
	case ExitWatchdogFailed:
		return "watchdog_failed"
	case ExitRollbackFailed:
		return "rollback_failed"
	default:
		return "general_failure"
	}
}

// Args are the companion's canonical arguments (spec §4.10, §6).
type Args struct {
	OldVersion        string
	NewVersion        string
	ExtractedPath     string
	InstallDir        string
	LogDir            string
	ServiceName       string
	ServiceWaitSec    int
	WatchdogPeriodSec int
}

// Validate reports the zero-value/missing fields that make Args unusable
// (spec §4.10: "missing or invalid arguments => invalid-arguments exit
// code; no changes").
func (a Args) Validate() error {
	if a.OldVersion == "" || a.NewVersion == "" {
		return fmt.Errorf("old-version and new-version are required")
	}
	if a.ExtractedPath == "" || a.InstallDir == "" {
		return fmt.Errorf("extracted-path and install-dir are required")
	}
	if info, err := os.Stat(a.ExtractedPath); err != nil || !info.IsDir() {
		return fmt.Errorf("extracted-path %q is not a directory", a.ExtractedPath)
	}
	if a.ServiceWaitSec <= 0 {
		return fmt.Errorf("service-wait-sec must be positive")
	}
	if a.WatchdogPeriodSec <= 0 {
		return fmt.Errorf("watchdog-period-sec must be positive")
	}
	return nil
}

func (a Args) backupDir() string {
	return filepath.Join(a.InstallDir, "backup-"+a.OldVersion)
}

// Runner executes the companion's strict-order protocol (spec §4.10,
// steps 2-7).
type Runner struct {
	args    Args
	service ServiceController
	clock   clockSource
	log     *slog.Logger
}

// clockSource is the minimal time surface the watchdog loop needs —
// kept separate from internal/clock.Clock so this package has no
// dependency back into the agent's own internal tree beyond what it
// actually uses.
type clockSource interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// NewRunner builds a Runner with the OS-backed ServiceController and a
// real clock.
func NewRunner(args Args, log *slog.Logger) *Runner {
	return &Runner{args: args, service: OSServiceController{}, clock: realClock{}, log: log}
}

// Run executes the full protocol and returns the exit code to report to
// the OS (spec §4.10).
func (r *Runner) Run() ExitCode {
	if err := r.stopService(); err != nil {
		r.log.Error("stop service failed", "error", err)
		return ExitStopFailed
	}

	if err := r.backup(); err != nil {
		r.log.Error("backup failed", "error", err)
		return ExitBackupFailed
	}

	if err := r.swap(); err != nil {
		r.log.Error("swap failed, rolling back", "error", err)
		if rbErr := r.rollback(); rbErr != nil {
			r.log.Error("rollback failed", "error", rbErr)
			return ExitRollbackFailed
		}
		return ExitCopyFailed
	}

	if err := r.startAndConfirm(); err != nil {
		r.log.Error("start failed, rolling back", "error", err)
		if rbErr := r.rollback(); rbErr != nil {
			r.log.Error("rollback failed", "error", rbErr)
			return ExitRollbackFailed
		}
		return ExitStartFailed
	}

	if !r.watchdog() {
		r.log.Error("new agent did not survive the watchdog period, rolling back")
		if rbErr := r.rollback(); rbErr != nil {
			r.log.Error("rollback failed", "error", rbErr)
			return ExitRollbackFailed
		}
		return ExitWatchdogFailed
	}

	if err := os.RemoveAll(r.args.backupDir()); err != nil {
		r.log.Warn("failed to remove backup after successful update", "error", err)
	}
	if err := os.RemoveAll(r.args.ExtractedPath); err != nil {
		r.log.Warn("failed to remove extraction dir after successful update", "error", err)
	}
	return ExitSuccess
}

func (r *Runner) stopService() error {
	if r.args.ServiceName == "" {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- r.service.Stop(r.args.ServiceName) }()

	select {
	case err := <-done:
		return err
	case <-time.After(time.Duration(r.args.ServiceWaitSec) * time.Second):
		return fmt.Errorf("timed out after %ds waiting for service to stop", r.args.ServiceWaitSec)
	}
}

func (r *Runner) backup() error {
	dest := r.args.backupDir()
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear stale backup dir: %w", err)
	}
	return copyTree(r.args.InstallDir, dest, dest)
}

func (r *Runner) swap() error {
	if err := clearInstallDirExceptBackup(r.args.InstallDir, r.args.backupDir()); err != nil {
		return fmt.Errorf("clear install dir: %w", err)
	}
	return copyTree(r.args.ExtractedPath, r.args.InstallDir, r.args.backupDir())
}

func (r *Runner) startAndConfirm() error {
	if r.args.ServiceName == "" {
		return nil
	}
	if err := r.service.Start(r.args.ServiceName); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	deadline := r.clock.Now().Add(time.Duration(r.args.ServiceWaitSec) * time.Second)
	for r.clock.Now().Before(deadline) {
		running, err := r.service.IsRunning(r.args.ServiceName)
		if err == nil && running {
			return nil
		}
		r.clock.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("service did not reach running state within %ds", r.args.ServiceWaitSec)
}

// watchdog polls the new agent's liveness for the watchdog period. When no
// service name was supplied (a standalone-binary deployment with no OS
// service layer for the companion to query), liveness can't be verified
// this way and the watchdog passes trivially — process supervision in
// that deployment mode is the installer's concern, per spec §4.10's scope
// of "service" as an external collaborator.
func (r *Runner) watchdog() bool {
	if r.args.ServiceName == "" {
		return true
	}
	deadline := r.clock.Now().Add(time.Duration(r.args.WatchdogPeriodSec) * time.Second)
	for r.clock.Now().Before(deadline) {
		running, err := r.service.IsRunning(r.args.ServiceName)
		if err == nil && !running {
			return false
		}
		r.clock.Sleep(time.Second)
	}
	return true
}

// rollback implements spec §4.10.1.
func (r *Runner) rollback() error {
	if r.args.ServiceName != "" {
		_ = r.service.Stop(r.args.ServiceName)
	}

	backupDir := r.args.backupDir()
	if info, err := os.Stat(backupDir); err != nil || !info.IsDir() {
		return fmt.Errorf("backup absent, rollback impossible: %w", err)
	}

	if err := clearInstallDirExceptBackup(r.args.InstallDir, backupDir); err != nil {
		return fmt.Errorf("clear install dir for rollback: %w", err)
	}
	if err := copyTree(backupDir, r.args.InstallDir, ""); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}
	if r.args.ServiceName != "" {
		if err := r.service.Start(r.args.ServiceName); err != nil {
			return fmt.Errorf("start service after rollback: %w", err)
		}
	}
	return nil
}
