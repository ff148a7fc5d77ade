package eventchannel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHandler struct {
	mu       sync.Mutex
	commands []CommandExecuteEvent
	versions []NewVersionAvailableEvent
	done     chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 10)}
}

func (h *recordingHandler) HandleCommandExecute(ev CommandExecuteEvent) {
	h.mu.Lock()
	h.commands = append(h.commands, ev)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) HandleNewVersionAvailable(ev NewVersionAvailableEvent) {
	h.mu.Lock()
	h.versions = append(h.versions, ev)
	h.mu.Unlock()
	h.done <- struct{}{}
}

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func acceptingServer(t *testing.T, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		if err := conn.WriteJSON(map[string]string{"event": "connect"}); err != nil {
			t.Errorf("write connect: %v", err)
			return
		}
		onConn(conn)
	}))
}

func TestChannelReachesConnectedOnAccept(t *testing.T) {
	var stateMu sync.Mutex
	var states []State

	srv := acceptingServer(t, func(conn *websocket.Conn) {
		<-make(chan struct{}) // hold the connection open
	})
	defer srv.Close()

	ch := New(Config{
		URL:       wsURL(srv),
		AgentID:   "agent-1",
		Token:     "tok",
		Heartbeat: time.Hour,
		Reconnect: ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, clock.NewFake(time.Unix(0, 0)), discardLogger(), newRecordingHandler(), func(s State) {
		stateMu.Lock()
		states = append(states, s)
		stateMu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go ch.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ch.State() == Connected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ch.State() != Connected {
		t.Fatalf("State() = %v, want Connected", ch.State())
	}
}

func TestChannelTransitionsToSuspendedOnAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn.WriteJSON(map[string]string{"event": "auth_error"})
		conn.Close()
	}))
	defer srv.Close()

	ch := New(Config{
		URL:       wsURL(srv),
		AgentID:   "agent-1",
		Token:     "bad-token",
		Heartbeat: time.Hour,
		Reconnect: ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, clock.NewFake(time.Unix(0, 0)), discardLogger(), newRecordingHandler(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := ch.Run(ctx)
	if err == nil {
		t.Fatal("Run() error = nil, want suspended error")
	}
	if ch.State() != Suspended {
		t.Fatalf("State() = %v, want Suspended", ch.State())
	}
}

func TestCommandExecuteEventsDispatchedInOrder(t *testing.T) {
	handler := newRecordingHandler()

	srv := acceptingServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 20; i++ {
			conn.WriteJSON(map[string]any{
				"event": "command:execute",
				"data": map[string]any{
					"commandId":   commandIDFor(i),
					"command":     "echo hi",
					"commandType": "console",
				},
			})
		}
		<-make(chan struct{})
	})
	defer srv.Close()

	ch := New(Config{
		URL:       wsURL(srv),
		AgentID:   "agent-1",
		Token:     "tok",
		Heartbeat: time.Hour,
		Reconnect: ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, clock.NewFake(time.Unix(0, 0)), discardLogger(), handler, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go ch.Run(ctx)

	for i := 0; i < 20; i++ {
		select {
		case <-handler.done:
		case <-time.After(time.Second):
			t.Fatalf("handler invoked %d times, want 20", i)
		}
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.commands) != 20 {
		t.Fatalf("commands = %d, want 20", len(handler.commands))
	}
	for i, ev := range handler.commands {
		if ev.CommandID != commandIDFor(i) {
			t.Fatalf("commands[%d].CommandID = %s, want %s (intake order not preserved)", i, ev.CommandID, commandIDFor(i))
		}
	}
}

func commandIDFor(i int) string {
	return "cmd-" + string(rune('a'+i))
}

func TestEmitWhenNotConnectedReturnsNotConnected(t *testing.T) {
	ch := New(Config{URL: "ws://unused"}, clock.NewFake(time.Unix(0, 0)), discardLogger(), newRecordingHandler(), nil)

	outcome, err := ch.EmitStatusUpdate(StatusUpdate{CPUUsage: 10})
	if err != nil {
		t.Fatalf("EmitStatusUpdate: %v", err)
	}
	if outcome != EmitNotConnected {
		t.Fatalf("outcome = %v, want EmitNotConnected", outcome)
	}
}

func TestCommandExecuteDispatchedToHandler(t *testing.T) {
	handler := newRecordingHandler()

	srv := acceptingServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"event": "command:execute",
			"data": map[string]any{
				"commandId":   "cmd-1",
				"command":     "echo hi",
				"commandType": "console",
			},
		})
		<-make(chan struct{})
	})
	defer srv.Close()

	ch := New(Config{
		URL:       wsURL(srv),
		AgentID:   "agent-1",
		Token:     "tok",
		Heartbeat: time.Hour,
		Reconnect: ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, clock.NewFake(time.Unix(0, 0)), discardLogger(), handler, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go ch.Run(ctx)

	select {
	case <-handler.done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.commands) != 1 || handler.commands[0].CommandID != "cmd-1" {
		t.Fatalf("commands = %+v, want one cmd-1", handler.commands)
	}
}
