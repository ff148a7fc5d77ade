// Package eventchannel implements the Event Channel (spec §4.5): a
// persistent, authenticated, bidirectional transport distinct from the
// request/response API. The wire contract is header-authenticated JSON
// (spec §6), so the transport is a WebSocket connection rather than an RPC
// stream — the concurrency shape (heartbeat goroutine, single-threaded
// receive loop dispatching inline to keep inbound delivery order, panic-safe
// handler wrapper) is grounded on the teacher's gRPC channel handling.
package eventchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/backoff"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
)

// ErrNotConnected is returned by emit methods when the channel is not in
// the Connected state. There is no implicit queueing inside the channel —
// callers enqueue into the Offline Queue themselves.
var ErrNotConnected = errors.New("eventchannel: not connected")

// ReconnectPolicy configures the backoff applied between reconnect
// attempts (spec §4.5).
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 means unbounded
}

// Config configures a Channel.
type Config struct {
	URL       string
	AgentID   string
	Token     string
	Heartbeat time.Duration
	Reconnect ReconnectPolicy
}

// Channel is the persistent bidirectional Event Channel.
type Channel struct {
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	dialer  *websocket.Dialer
	handler InboundHandler

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex

	onState func(State)
	dedup   *dedup
}

// dedupWindow bounds how long a command:execute event's CommandID is
// remembered to suppress a redelivery after a reconnect.
const dedupWindow = 5 * time.Minute

// New builds a Channel. handler receives inbound events; onState (optional,
// may be nil) is called on every state transition so the Session Controller
// can drive its post-connect sequence once Connected is first reached.
func New(cfg Config, clk clock.Clock, log *slog.Logger, handler InboundHandler, onState func(State)) *Channel {
	return &Channel{
		cfg:     cfg,
		clock:   clk,
		log:     log.With("component", "eventchannel"),
		dialer:  websocket.DefaultDialer,
		handler: handler,
		onState: onState,
		dedup:   newDedup(clk, dedupWindow),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}

// Run drives the connect/authenticate/connected/reconnect lifecycle until
// ctx is cancelled or the reconnect attempt budget is exhausted. Any state
// transition may be cancelled by ctx (spec §4.5).
func (c *Channel) Run(ctx context.Context) error {
	defer func() {
		if c.State() != Suspended {
			c.setState(Closing)
		}
	}()

	b := backoff.New(backoff.Policy{
		Initial:     c.cfg.Reconnect.InitialDelay,
		Max:         c.cfg.Reconnect.MaxDelay,
		MaxAttempts: c.cfg.Reconnect.MaxAttempts,
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sessionStart := c.clock.Now()
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.State() == Suspended {
			c.log.Error("event channel suspended after authentication rejection")
			return errSuspended
		}

		if c.clock.Since(sessionStart) > time.Minute {
			b.Reset()
		}

		delay, ok := b.Next()
		if !ok {
			return fmt.Errorf("eventchannel: reconnect attempts exhausted: %w", err)
		}
		c.log.Warn("event channel session ended, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

var errSuspended = errors.New("eventchannel: suspended")

func (c *Channel) runSession(ctx context.Context) error {
	c.setState(Connecting)

	header := http.Header{}
	header.Set("X-Client-Type", "agent")
	header.Set("X-Agent-Id", c.cfg.AgentID)
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("dial: %w", err)
	}

	c.setState(Authenticating)

	var control struct {
		Event string `json:"event"`
	}
	if err := conn.ReadJSON(&control); err != nil {
		conn.Close()
		c.setState(Disconnected)
		return fmt.Errorf("read handshake: %w", err)
	}

	switch control.Event {
	case controlConnect:
		// fallthrough to Connected below
	case controlAuthError:
		conn.Close()
		c.setState(Suspended)
		return errSuspended
	default:
		conn.Close()
		c.setState(Disconnected)
		return fmt.Errorf("unexpected handshake event %q", control.Event)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Connected)
	c.log.Info("event channel connected")

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if c.State() != Suspended {
			c.setState(Disconnected)
		}
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- c.heartbeatLoop(ctx, conn) }()
	go func() { errCh <- c.receiveLoop(ctx, conn) }()
	return <-errCh
}

func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	if c.cfg.Heartbeat <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.cfg.Heartbeat):
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (c *Channel) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		switch env.Event {
		case eventCommandExecute:
			var ev CommandExecuteEvent
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				c.log.Warn("dropping malformed command:execute event", "error", err)
				continue
			}
			if ev.CommandType == "" {
				ev.CommandType = "console"
			}
			if c.dedup.seenBefore(ev.CommandID) {
				c.log.Debug("dropping redelivered command:execute event", "command_id", ev.CommandID)
				continue
			}
			c.safeHandle("command:execute", ev.CommandID, func() { c.handler.HandleCommandExecute(ev) })

		case eventNewVersion:
			var ev NewVersionAvailableEvent
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				c.log.Warn("dropping malformed agent:new_version_available event", "error", err)
				continue
			}
			c.safeHandle("agent:new_version_available", "", func() { c.handler.HandleNewVersionAvailable(ev) })

		default:
			c.log.Debug("ignoring unrecognized inbound event", "event", env.Event)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Channel) safeHandle(op, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("inbound handler panic", "op", op, "id", id, "panic", r)
		}
	}()
	fn()
}

func (c *Channel) send(event string, payload any) (EmitOutcome, error) {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return EmitNotConnected, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := conn.WriteJSON(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: event, Data: payload})
	if err != nil {
		return EmitNotConnected, fmt.Errorf("eventchannel: send %s: %w", event, err)
	}
	return EmitSent, nil
}

// EmitStatusUpdate sends agent:status_update if Connected.
func (c *Channel) EmitStatusUpdate(ev StatusUpdate) (EmitOutcome, error) {
	return c.send(eventStatusUpdate, ev)
}

// EmitCommandResult sends agent:command_result if Connected.
func (c *Channel) EmitCommandResult(ev CommandResultEvent) (EmitOutcome, error) {
	return c.send(eventCommandResult, ev)
}

// EmitUpdateStatus sends agent:update_status if Connected.
func (c *Channel) EmitUpdateStatus(ev UpdateStatusEvent) (EmitOutcome, error) {
	return c.send(eventUpdateStatus, ev)
}
