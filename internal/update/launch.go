package update

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/apiclient"
)

func updaterBinaryName() string {
	if runtime.GOOS == "windows" {
		return "updater.exe"
	}
	return "updater"
}

// locateCompanion prefers the updater binary bundled inside the extracted
// package, falling back to the currently installed one (spec §4.9 step 5).
func (m *Manager) locateCompanion(extractedDir string) (string, error) {
	bundled := filepath.Join(extractedDir, updaterBinaryName())
	if info, err := os.Stat(bundled); err == nil && !info.IsDir() {
		return bundled, nil
	}

	if m.cfg.Paths.UpdaterPath == "" {
		return "", fmt.Errorf("no bundled updater in package and no installed fallback configured")
	}
	if info, err := os.Stat(m.cfg.Paths.UpdaterPath); err != nil || info.IsDir() {
		return "", fmt.Errorf("installed updater fallback not found at %s", m.cfg.Paths.UpdaterPath)
	}
	return m.cfg.Paths.UpdaterPath, nil
}

// launchCompanion spawns the Updater Companion detached — the agent does
// not wait for it, and releases the handle immediately after start so the
// companion survives this process's exit (spec §4.9 step 5).
func (m *Manager) launchCompanion(desc apiclient.UpdateDescriptor, extractedDir string) error {
	bin, err := m.locateCompanion(extractedDir)
	if err != nil {
		return err
	}

	args := []string{
		"-old-version", m.cfg.CurrentVersion,
		"-new-version", desc.Version,
		"-extracted-path", extractedDir,
		"-install-dir", m.cfg.Paths.InstallDir,
		"-log-dir", m.cfg.Paths.LogDir,
	}
	if m.cfg.ServiceName != "" {
		args = append(args, "-service-name", m.cfg.ServiceName)
	}
	if m.cfg.ServiceWaitSec > 0 {
		args = append(args, "-service-wait-sec", strconv.Itoa(m.cfg.ServiceWaitSec))
	}
	if m.cfg.WatchdogPeriodSec > 0 {
		args = append(args, "-watchdog-period-sec", strconv.Itoa(m.cfg.WatchdogPeriodSec))
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = m.cfg.Paths.InstallDir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn updater companion: %w", err)
	}

	m.log.Info("updater companion launched", "pid", cmd.Process.Pid, "binary", bin, "target_version", desc.Version)
	return cmd.Process.Release()
}
