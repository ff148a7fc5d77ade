// Command agent is the managed endpoint agent process: it owns the
// Connection & Session State Machine, the Command Pipeline, and the
// in-place Self-Update Engine end to end.
//
// Run with -configure to provision a fresh installation (identify against
// the server, complete MFA if challenged, and persist the resulting
// identity record). Without -configure it loads the existing identity and
// runs the full session loop until signaled to stop.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/apiclient"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/command"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/config"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/eventchannel"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/hostsampler"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/identity"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/ignorelist"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/logging"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/metrics"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/queue"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/session"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/telemetry"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/update"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// version is set at build time via -X main.version=$(VERSION).
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "path to an optional local YAML config file")
		configure  = fs.Bool("configure", false, "provision this installation against the server, then exit")
		roomName   = fs.String("room-name", "", "room name (with -configure)")
		posX       = fs.Int("position-x", 0, "room position x (with -configure)")
		posY       = fs.Int("position-y", 0, "room position y (with -configure)")
	)
	if err := fs.Parse(argv); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "agent: invalid configuration: %v\n", err)
		return 1
	}

	log := logging.New(cfg.LogJSON)
	log.Info("agent starting", "version", version)

	identityDir := filepath.Join(cfg.DataDir, "identity")
	sealer, err := identity.NewMachineSealer(identityDir)
	if err != nil {
		log.Error("failed to prepare machine sealer", "error", err)
		return 1
	}
	store, err := identity.Open(identityDir, sealer)
	if err != nil {
		log.Error("failed to open identity store", "error", err)
		return 1
	}

	api := apiclient.New(cfg.ServerURL, apiclient.RetryPolicy{
		MaxRetries:          cfg.RetryMaxRetries,
		InitialDelaySeconds: cfg.RetryInitialDelaySec,
	}, log.Logger)

	if *configure {
		return runConfigure(api, store, identityDir, *roomName, *posX, *posY, log)
	}

	if err := runAgent(cfg, api, store, log); err != nil {
		log.Error("agent exited with error", "error", err)
		return 1
	}
	return 0
}

// runConfigure performs the one-time identify/MFA provisioning flow (spec
// §3, §4.1) and persists the resulting identity, mirroring the teacher's
// own interactive first-run wizard in cmd/sentinel/main.go.
func runConfigure(api *apiclient.Client, store *identity.Store, identityDir, roomName string, posX, posY int, log *logging.Logger) int {
	hwID, err := identity.HardwareID(identityDir)
	if err != nil {
		log.Error("failed to establish hardware id", "error", err)
		return 1
	}

	ctx := context.Background()
	outcome, err := api.Identify(ctx, apiclient.IdentifyRequest{
		RoomName:   roomName,
		PositionX:  posX,
		PositionY:  posY,
		HardwareID: hwID,
	})
	if err != nil {
		log.Error("identify failed", "error", err)
		return 1
	}

	token := outcome.Token
	switch outcome.Kind {
	case apiclient.IdentifySuccess:
		// token already populated
	case apiclient.IdentifyMFARequired:
		token, err = promptMFA(ctx, api, hwID)
		if err != nil {
			log.Error("mfa verification failed", "error", err)
			return 1
		}
	default:
		log.Error("identify rejected", "kind", outcome.Kind, "message", outcome.Message)
		return 1
	}

	if err := store.Create(identity.Identity{
		AgentID: hwID,
		Room:    identity.RoomConfig{Name: roomName, X: posX, Y: posY},
		Token:   token,
	}); err != nil {
		log.Error("failed to persist identity", "error", err)
		return 1
	}

	log.Info("configuration complete", "agent_id", hwID)
	return 0
}

func promptMFA(ctx context.Context, api *apiclient.Client, hwID string) (string, error) {
	fmt.Fprint(os.Stdout, "MFA code: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read mfa code: %w", err)
	}

	outcome, err := api.VerifyMFA(ctx, apiclient.VerifyMFARequest{HardwareID: hwID, Code: strings.TrimSpace(line)})
	if err != nil {
		return "", err
	}
	if outcome.Kind != apiclient.VerifyMFASuccess {
		return "", fmt.Errorf("mfa rejected: %s", outcome.Message)
	}
	return outcome.Token, nil
}

// runAgent wires every subsystem and runs the Session Controller until a
// termination signal arrives.
func runAgent(cfg *config.Config, api *apiclient.Client, store *identity.Store, log *logging.Logger) error {
	if cfg.MetricsEnabled {
		startMetricsServer(cfg.MetricsPort, log)
	}
	if cfg.MetricsTextfilePath != "" {
		go runMetricsTextfileLoop(cfg.MetricsTextfilePath, cfg.MetricsTextfilePeriod, log)
	}

	lockPath := filepath.Join(cfg.DataDir, "agent.lock")

	errQ, err := queue.Open[apiclient.ErrorReport](
		filepath.Join(cfg.DataDir, "queue", "error-report"), "error-report",
		queue.Limits{MaxCount: cfg.QueueMaxCount, MaxAge: cfg.QueueMaxAge}, clock.Real{}, log.Logger)
	if err != nil {
		return fmt.Errorf("open error-report queue: %w", err)
	}
	statusQ, err := queue.Open[eventchannel.StatusUpdate](
		filepath.Join(cfg.DataDir, "queue", "status"), "status",
		queue.Limits{MaxCount: cfg.QueueMaxCount, MaxAge: cfg.QueueMaxAge}, clock.Real{}, log.Logger)
	if err != nil {
		return fmt.Errorf("open status queue: %w", err)
	}
	resultQ, err := queue.Open[eventchannel.CommandResultEvent](
		filepath.Join(cfg.DataDir, "queue", "command-result"), "command-result",
		queue.Limits{MaxCount: cfg.QueueMaxCount, MaxAge: cfg.QueueMaxAge}, clock.Real{}, log.Logger)
	if err != nil {
		return fmt.Errorf("open command-result queue: %w", err)
	}

	ignore, err := ignorelist.Open(filepath.Join(cfg.DataDir, "update", "ignore-list.json"), clock.Real{})
	if err != nil {
		return fmt.Errorf("open ignore list: %w", err)
	}

	var ctrl *session.Controller
	requestShutdown := func() {
		if ctrl != nil {
			ctrl.RequestShutdown()
		}
	}
	reportUpdateError := func(r update.ErrorReport) {
		ap := apiclient.ErrorReport{OccurredAt: r.OccurredAt, Kind: string(r.Code), Message: r.Message}
		if _, err := errQ.Enqueue(ap); err != nil {
			log.Warn("failed to enqueue update error report", "error", err)
		}
	}
	emitUpdateStatus := func(ev update.StatusEvent) {
		log.Info("update status", "status", ev.Status, "target_version", ev.TargetVersion, "message", ev.Message)
	}

	updateMgr := update.New(update.Config{
		Paths: update.Paths{
			DownloadDir:  filepath.Join(cfg.DataDir, "update", "download"),
			ExtractedDir: filepath.Join(cfg.DataDir, "update", "extracted"),
			InstallDir:   installDir(),
			UpdaterPath:  cfg.UpdaterPath,
			LogDir:       filepath.Join(cfg.DataDir, "update", "companion-logs"),
		},
		CurrentVersion:    version,
		ServiceName:       cfg.ServiceName,
		Download:          api.DownloadPackage,
		Emit:              emitUpdateStatus,
		ReportError:       reportUpdateError,
		RequestShutdown:   requestShutdown,
		ServiceWaitSec:    cfg.ServiceWaitSec,
		WatchdogPeriodSec: cfg.WatchdogPeriodSec,
	}, ignore, clock.Real{}, log.Logger)

	checker := update.NewChecker(updateMgr, api.CheckUpdate, cfg.UpdateCheckInterval, clock.Real{}, log.Logger)

	workDir := filepath.Join(cfg.DataDir, "work")
	logPaths := []string{filepath.Join(cfg.DataDir, "update", "companion-logs")}
	handlers := map[command.Type]command.Handler{
		command.Console:           command.NewConsoleHandler(),
		command.SystemAction:      command.NewSystemActionHandler(),
		command.SoftwareInstall:   command.NewSoftwareInstallHandler(workDir),
		command.SoftwareUninstall: command.NewSoftwareUninstallHandler(),
		command.GetLogs:           command.NewGetLogsHandler(logPaths, workDir, api.UploadLogArchive),
	}

	emitCommandResult := func(r command.Result) {
		ev := eventchannel.CommandResultEvent{
			CommandID:   r.CommandID,
			CommandType: string(r.CommandType),
			Success:     r.Success,
			Result: eventchannel.CommandResultPayload{
				Stdout:       r.Stdout,
				Stderr:       r.Stderr,
				ExitCode:     r.ExitCode,
				ErrorMessage: r.ErrorMessage,
				ErrorCode:    r.ErrorCode,
			},
		}
		if ctrl != nil {
			ctrl.EmitCommandResult(ev)
			return
		}
		if _, err := resultQ.Enqueue(ev); err != nil {
			log.Warn("failed to enqueue command result", "error", err)
		}
	}
	reportCommandError := func(code, message string) {
		if _, err := errQ.Enqueue(apiclient.ErrorReport{OccurredAt: time.Now(), Kind: code, Message: message}); err != nil {
			log.Warn("failed to enqueue command error report", "error", err)
		}
	}

	pipeline := command.New(command.Config{
		MaxQueueSize:        cfg.CommandQueueSize,
		MaxParallelCommands: cfg.MaxParallelCommand,
		DefaultTimeout:      cfg.CommandTimeout,
	}, handlers, emitCommandResult, reportCommandError, log.Logger)

	sampler := hostsampler.New(cfg.DataDir)
	telemetryFactory := func(emit telemetry.Emitter) *telemetry.Producer {
		return telemetry.New(sampler, emit, cfg.TelemetryInterval, clock.Real{}, log.Logger)
	}

	ctrl, err = session.New(session.Config{
		LockPath: lockPath,
		Identity: store,
		API:      api,
		ChannelConfig: func(agentID, token string) eventchannel.Config {
			return eventchannel.Config{
				URL:       toWebSocketURL(cfg.ServerURL),
				AgentID:   agentID,
				Token:     token,
				Heartbeat: 30 * time.Second,
				Reconnect: eventchannel.ReconnectPolicy{InitialDelay: time.Second, MaxDelay: time.Minute},
			}
		},
		Pipeline:         pipeline,
		TelemetryFactory: telemetryFactory,
		UpdateManager:    updateMgr,
		UpdateChecker:    checker,
		Queues: session.Queues{
			Status:        statusQ,
			CommandResult: resultQ,
			ErrorReport:   errQ,
		},
		ShutdownTimeout:  cfg.ShutdownTimeout,
		QueueDrainPeriod: cfg.QueueDrainPeriod,
	}, log.Logger)
	if err != nil {
		return fmt.Errorf("build session controller: %w", err)
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return ctrl.Run(ctx)
}

// runMetricsTextfileLoop periodically dumps agent_ metrics to path for
// node_exporter's textfile collector, for hosts with no scrape path to the
// metrics port.
func runMetricsTextfileLoop(path string, period time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for range ticker.C {
		if err := metrics.WriteTextfile(path); err != nil {
			log.Warn("failed to write metrics textfile", "error", err, "path", path)
		}
	}
}

func startMetricsServer(port string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server exited", "error", err)
		}
	}()
}

func installDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// toWebSocketURL rewrites an http(s):// server URL to the ws(s):// Event
// Channel endpoint, per spec §6's transport binding.
func toWebSocketURL(serverURL string) string {
	u := serverURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimRight(u, "/") + "/ws/agent"
}
