// Command updater is the Updater Companion (spec §4.10): a separate,
// short-lived process spawned by the agent immediately before it exits.
// It alone touches the installed files — stop service, backup, swap,
// start, watchdog, rollback.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/companion"
)

func main() {
	os.Exit(int(run(os.Args[1:])))
}

func run(argv []string) companion.ExitCode {
	fs := flag.NewFlagSet("updater", flag.ContinueOnError)
	var (
		oldVersion    = fs.String("old-version", "", "version being replaced")
		newVersion    = fs.String("new-version", "", "version being installed")
		extractedPath = fs.String("extracted-path", "", "path to the extracted new-version files")
		installDir    = fs.String("install-dir", "", "current installation directory")
		logDir        = fs.String("log-dir", "", "directory to write the companion's run log into")
		serviceName   = fs.String("service-name", "", "name of the OS service to stop/start (empty: no service control)")
		serviceWait   = fs.Int("service-wait-sec", 60, "seconds to wait for the service to stop/reach running")
		watchdogSec   = fs.Int("watchdog-period-sec", 120, "seconds to watch the new process for survival")
	)
	if err := fs.Parse(argv); err != nil {
		return companion.ExitInvalidArguments
	}

	args := companion.Args{
		OldVersion:        *oldVersion,
		NewVersion:        *newVersion,
		ExtractedPath:     *extractedPath,
		InstallDir:        *installDir,
		LogDir:            *logDir,
		ServiceName:       *serviceName,
		ServiceWaitSec:    *serviceWait,
		WatchdogPeriodSec: *watchdogSec,
	}
	if err := args.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "updater: invalid arguments: %v\n", err)
		return companion.ExitInvalidArguments
	}

	log, closeLog, err := openRunLog(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "updater: could not open run log: %v\n", err)
		return companion.ExitGeneralFailure
	}
	defer closeLog()

	log.Info("updater companion starting", "old_version", args.OldVersion, "new_version", args.NewVersion)

	runner := companion.NewRunner(args, log)
	code := runner.Run()

	log.Info("updater companion finished", "exit_code", code.String())
	return code
}

// openRunLog writes a dedicated, timestamped, version-tagged log file
// directly (not through the agent's shared logging handler, since the
// companion must keep writing even if the agent's own log sink is
// mid-rotation during the swap it's performing) — spec §4.10's first
// protocol step.
func openRunLog(args companion.Args) (*slog.Logger, func(), error) {
	dir := args.LogDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}

	name := fmt.Sprintf("updater-%s-%s.log", args.NewVersion, time.Now().UTC().Format("20060102T150405Z"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	log := slog.New(slog.NewTextHandler(f, nil))
	return log, func() { f.Close() }, nil
}
