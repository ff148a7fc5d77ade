package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/apiclient"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/command"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/eventchannel"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/identity"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/ignorelist"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/queue"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/telemetry"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/update"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSealer struct{}

func (fakeSealer) Seal(plain []byte) ([]byte, error)   { return plain, nil }
func (fakeSealer) Unseal(sealed []byte) ([]byte, error) { return sealed, nil }

type fakeSampler struct{}

func (fakeSampler) CPUPercent() (float64, error)  { return 12, nil }
func (fakeSampler) RAMPercent() (float64, error)  { return 34, nil }
func (fakeSampler) DiskPercent() (float64, error) { return 56, nil }

// wsUpgradeServer accepts a single connection, sends the "connect" control
// frame, and hands the conn to onConn for the test to drive.
func wsUpgradeServer(t *testing.T, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(map[string]string{"event": "connect"}); err != nil {
			return
		}
		onConn(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestController(t *testing.T, wsServer *httptest.Server, apiServer *httptest.Server) (*Controller, *command.Pipeline, chan command.Result) {
	t.Helper()
	dir := t.TempDir()

	store, err := identity.Open(filepath.Join(dir, "identity"), fakeSealer{})
	if err != nil {
		t.Fatalf("identity.Open: %v", err)
	}
	if err := store.Create(identity.Identity{AgentID: "agent-1", Token: "tok-1", Room: identity.RoomConfig{Name: "room"}}); err != nil {
		t.Fatalf("identity Create: %v", err)
	}

	api := apiclient.New(apiServer.URL, apiclient.RetryPolicy{MaxRetries: 0}, discardLogger())

	resultCh := make(chan command.Result, 8)
	pipeline := command.New(
		command.Config{MaxQueueSize: 4, MaxParallelCommands: 1, DefaultTimeout: time.Second},
		map[command.Type]command.Handler{
			command.Console: func(ctx context.Context, cmd command.Command) command.Result {
				return command.Result{CommandID: cmd.CommandID, CommandType: cmd.Type, Success: true}
			},
		},
		func(r command.Result) { resultCh <- r },
		nil,
		discardLogger(),
	)

	statusQ, err := queue.Open[eventchannel.StatusUpdate](filepath.Join(dir, "queue", "status"), "status", queue.Limits{MaxCount: 100}, clock.Real{}, discardLogger())
	if err != nil {
		t.Fatalf("open status queue: %v", err)
	}
	resultQ, err := queue.Open[eventchannel.CommandResultEvent](filepath.Join(dir, "queue", "result"), "command-result", queue.Limits{MaxCount: 100}, clock.Real{}, discardLogger())
	if err != nil {
		t.Fatalf("open result queue: %v", err)
	}
	errQ, err := queue.Open[apiclient.ErrorReport](filepath.Join(dir, "queue", "error"), "error-report", queue.Limits{MaxCount: 100}, clock.Real{}, discardLogger())
	if err != nil {
		t.Fatalf("open error queue: %v", err)
	}

	ignore, err := ignorelist.Open(filepath.Join(dir, "ignore-list.json"), clock.Real{})
	if err != nil {
		t.Fatalf("open ignore list: %v", err)
	}

	updateMgr := update.New(update.Config{
		Paths:          update.Paths{DownloadDir: dir, ExtractedDir: dir, InstallDir: dir, LogDir: dir},
		CurrentVersion: "1.0.0",
		Download:       func(ctx context.Context, filename, dest string) error { return nil },
		Emit:           func(update.StatusEvent) {},
		ReportError:    func(update.ErrorReport) {},
		RequestShutdown: func() {},
	}, ignore, clock.Real{}, discardLogger())

	checker := update.NewChecker(updateMgr, func(ctx context.Context, v string) (apiclient.CheckUpdateOutcome, error) {
		return apiclient.CheckUpdateOutcome{Available: false}, nil
	}, time.Hour, clock.Real{}, discardLogger())

	cfg := Config{
		LockPath: "",
		Identity: store,
		API:      api,
		ChannelConfig: func(agentID, token string) eventchannel.Config {
			return eventchannel.Config{URL: wsURL(wsServer), AgentID: agentID, Token: token, Heartbeat: 0}
		},
		Pipeline: pipeline,
		TelemetryFactory: func(emit telemetry.Emitter) *telemetry.Producer {
			return telemetry.New(fakeSampler{}, emit, time.Hour, clock.Real{}, discardLogger())
		},
		UpdateManager:    updateMgr,
		UpdateChecker:    checker,
		Queues:           Queues{Status: statusQ, CommandResult: resultQ, ErrorReport: errQ},
		ShutdownTimeout:  2 * time.Second,
		QueueDrainPeriod: 20 * time.Millisecond,
	}

	c, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, pipeline, resultCh
}

func TestPostConnectSequenceSubmitsHardwareInfoOnce(t *testing.T) {
	var hwCalls int
	var mu sync.Mutex
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "hardware-info") {
			mu.Lock()
			hwCalls++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer apiServer.Close()

	connected := make(chan *websocket.Conn, 1)
	wsServer := wsUpgradeServer(t, func(conn *websocket.Conn) {
		connected <- conn
		<-time.After(500 * time.Millisecond)
		conn.Close()
	})
	defer wsServer.Close()

	c, _, _ := newTestController(t, wsServer, apiServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("event channel never connected")
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		calls := hwCalls
		mu.Unlock()
		if calls >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("hardware info was never submitted")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestHandleCommandExecuteDispatchesThroughPipeline(t *testing.T) {
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer apiServer.Close()

	wsServer := wsUpgradeServer(t, func(conn *websocket.Conn) {
		<-time.After(500 * time.Millisecond)
		conn.Close()
	})
	defer wsServer.Close()

	c, pipeline, resultCh := newTestController(t, wsServer, apiServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipeline.Run(ctx)

	c.HandleCommandExecute(eventchannel.CommandExecuteEvent{CommandID: "cmd-1", CommandType: "console", Command: "echo hi"})

	select {
	case r := <-resultCh:
		if r.CommandID != "cmd-1" || !r.Success {
			t.Fatalf("result = %+v, want success for cmd-1", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command result never produced")
	}
}

func TestChannelAuthErrorSuspendsController(t *testing.T) {
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer apiServer.Close()

	authErrServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]string{"event": "auth_error"})
	}))
	defer authErrServer.Close()

	c, _, _ := newTestController(t, authErrServer, apiServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.After(2 * time.Second)
	for !c.Suspended() {
		select {
		case <-deadline:
			t.Fatal("controller never entered Suspended mode")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if c.channel.State() != eventchannel.Suspended {
		t.Fatalf("channel state = %v, want Suspended", c.channel.State())
	}
}

func TestAPIUnauthorizedSuspendsController(t *testing.T) {
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "hardware-info") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer apiServer.Close()

	wsServer := wsUpgradeServer(t, func(conn *websocket.Conn) {
		<-time.After(2 * time.Second)
		conn.Close()
	})
	defer wsServer.Close()

	c, _, _ := newTestController(t, wsServer, apiServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.After(2 * time.Second)
	for !c.Suspended() {
		select {
		case <-deadline:
			t.Fatal("controller never entered Suspended mode after a 401 from the API client")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEmitStatusFallsBackToQueueWhenNotConnected(t *testing.T) {
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer apiServer.Close()

	// A server that never sends the "connect" handshake leaves the
	// channel stuck in Connecting/Authenticating indefinitely.
	blockingServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-time.After(2 * time.Second)
		conn.Close()
	}))
	defer blockingServer.Close()

	c, _, _ := newTestController(t, blockingServer, apiServer)

	c.emitStatus(telemetry.Sample{CPUUsage: 1, RAMUsage: 2, DiskUsage: 3})

	n, err := c.cfg.Queues.Status.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("status queue length = %d, want 1", n)
	}
}
