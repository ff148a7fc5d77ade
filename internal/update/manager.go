package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/apiclient"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/ignorelist"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/metrics"
)

// Paths locates the per-version staging directories under the data root
// (spec §6's persisted-state layout).
type Paths struct {
	DownloadDir  string // <data-root>/update/download
	ExtractedDir string // <data-root>/update/extracted
	InstallDir   string // current installation directory, handed to the companion
	UpdaterPath  string // fallback updater companion binary (currently installed copy)
	LogDir       string // updater companion log directory
}

// Config wires the Update Manager's external collaborators.
type Config struct {
	Paths             Paths
	CurrentVersion    string
	ServiceName       string
	Download          Downloader
	Emit              StatusEmitter
	ReportError       ErrorEmitter
	RequestShutdown   ShutdownRequester
	ServiceWaitSec    int
	WatchdogPeriodSec int
}

// Manager runs at most one update session at a time (spec §4.9's
// process-wide mutex, modeled as an explicit owned resource rather than a
// bare global per §9's design note).
type Manager struct {
	cfg    Config
	clock  clock.Clock
	log    *slog.Logger
	ignore *ignorelist.List

	mu      sync.Mutex
	running bool
}

// New builds a Manager. ignore is the already-opened Version Ignore List.
func New(cfg Config, ignore *ignorelist.List, clk clock.Clock, log *slog.Logger) *Manager {
	return &Manager{cfg: cfg, ignore: ignore, clock: clk, log: log.With("component", "update")}
}

// ErrConcurrentUpdate is returned (and merely logged by the caller, not
// queued or retried) when an update session is already running.
var ErrConcurrentUpdate = fmt.Errorf("update: a session is already in progress")

// ErrIgnored is returned when the descriptor's version is on the Version
// Ignore List; callers must not report this as a failure (spec §4.9:
// "ignored versions are rejected without reporting").
var ErrIgnored = fmt.Errorf("update: version is on the ignore list")

// Apply runs one full update session against desc: download, verify,
// extract, launch the companion, request shutdown. It blocks until the
// companion has been launched (or a step fails) — it does not wait for
// the companion itself to finish.
func (m *Manager) Apply(ctx context.Context, desc apiclient.UpdateDescriptor) error {
	if m.ignore.IsIgnored(desc.Version) {
		m.log.Info("update refused, version is ignored", "version", desc.Version)
		return ErrIgnored
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Warn("update session already running, refusing concurrent request", "version", desc.Version)
		return ErrConcurrentUpdate
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.cfg.Emit(StatusEvent{Status: StatusUpdateStarted, TargetVersion: desc.Version})
	start := m.clock.Now()
	defer func() { metrics.UpdateDuration.Observe(time.Since(start).Seconds()) }()

	downloadPath, err := m.download(ctx, desc)
	if err != nil {
		return m.fail(ctx, desc, ErrorDownloadFailed, err)
	}

	if err := m.verifyChecksum(downloadPath, desc.ChecksumSHA256); err != nil {
		return m.fail(ctx, desc, ErrorChecksumMismatch, err)
	}

	extractedDir, err := m.extract(downloadPath, desc.Version)
	if err != nil {
		return m.fail(ctx, desc, ErrorExtractionFailed, err)
	}

	if err := m.launchCompanion(desc, extractedDir); err != nil {
		return m.fail(ctx, desc, ErrorUpdateLaunchFailed, err)
	}

	metrics.UpdatesTotal.WithLabelValues("success").Inc()
	m.cfg.RequestShutdown()
	return nil
}

func (m *Manager) download(ctx context.Context, desc apiclient.UpdateDescriptor) (string, error) {
	dir := filepath.Join(m.cfg.Paths.DownloadDir, desc.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	filename := packageFilename(desc)
	dest := filepath.Join(dir, filename)

	if err := m.cfg.Download(ctx, filename, dest); err != nil {
		return "", fmt.Errorf("download package: %w", err)
	}
	return dest, nil
}

func (m *Manager) verifyChecksum(path, expectedHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open downloaded package: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash downloaded package: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expectedHex) {
		return fmt.Errorf("checksum mismatch: got %s, want %s", got, expectedHex)
	}
	return nil
}

// fail reports and records a failed update step. A failure caused by the
// context being cancelled — the shutdown path interrupting an in-flight
// download or extraction — is not the package's fault, so it is neither
// reported nor added to the Version Ignore List (spec §4.9: the ignore-list
// add happens "unless the failure was a shutdown cancellation").
func (m *Manager) fail(ctx context.Context, desc apiclient.UpdateDescriptor, code ErrorCode, cause error) error {
	m.log.Error("update session failed", "version", desc.Version, "code", code, "error", cause)
	metrics.UpdatesTotal.WithLabelValues("failure").Inc()
	m.cfg.Emit(StatusEvent{Status: StatusUpdateFailed, TargetVersion: desc.Version, Message: cause.Error()})

	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		m.log.Warn("update step interrupted by shutdown, not reporting or ignoring version", "version", desc.Version)
		return fmt.Errorf("update: %s: %w", code, cause)
	}

	m.cfg.ReportError(ErrorReport{OccurredAt: m.clock.Now(), Code: code, Message: cause.Error()})
	if err := m.ignore.Add(desc.Version, string(code)); err != nil {
		m.log.Warn("failed to persist ignore list entry", "version", desc.Version, "error", err)
	}
	return fmt.Errorf("update: %s: %w", code, cause)
}

func packageFilename(desc apiclient.UpdateDescriptor) string {
	if idx := strings.LastIndex(desc.DownloadURL, "/"); idx >= 0 && idx+1 < len(desc.DownloadURL) {
		return desc.DownloadURL[idx+1:]
	}
	return desc.Version + ".zip"
}
