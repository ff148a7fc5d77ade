// Package update implements the Update Manager (spec §4.9): a guarded,
// single-flight pipeline that checks, downloads, verifies, extracts, and
// hands an update package off to the Updater Companion process.
package update

import (
	"context"
	"time"
)

// ErrorCode is the closed set of failure codes Manager.fail can
// attach to an update_failed status and report-error record.
type ErrorCode string

const (
	ErrorDownloadFailed     ErrorCode = "download_failed"
	ErrorChecksumMismatch   ErrorCode = "checksum_mismatch"
	ErrorExtractionFailed   ErrorCode = "extraction_failed"
	ErrorUpdateLaunchFailed ErrorCode = "update_launch_failed"
)

// Status mirrors the agent:update_status values the Update Manager emits.
type Status string

const (
	StatusUpdateStarted Status = "update_started"
	StatusUpdateFailed  Status = "update_failed"
)

// StatusEvent is what the Update Manager asks its emitter to deliver as
// agent:update_status.
type StatusEvent struct {
	Status        Status
	TargetVersion string
	Message       string
}

// ErrorReport is what the Update Manager asks its reporter to deliver via
// report-error on failure.
type ErrorReport struct {
	OccurredAt time.Time
	Code       ErrorCode
	Message    string
}

// StatusEmitter delivers a StatusEvent (Event Channel if connected, else
// the Offline Queue's status partition — the caller decides).
type StatusEmitter func(StatusEvent)

// ErrorEmitter delivers an ErrorReport the same way.
type ErrorEmitter func(ErrorReport)

// ShutdownRequester asks the Session Controller to begin a graceful
// shutdown once the Updater Companion has been launched.
type ShutdownRequester func()

// Downloader fetches a descriptor's package (named by filename, as the API
// Client's DownloadPackage expects) to destPath.
type Downloader func(ctx context.Context, filename, destPath string) error
