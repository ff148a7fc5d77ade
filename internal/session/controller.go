// Package session implements the Session Controller (spec §4.6): the
// component that owns the agent's lifecycle end to end — single-instance
// lock, Identity Store, API Client credentials, Event Channel, the
// strictly-ordered post-connect sequence, and steady-state supervision of
// the Telemetry Producer, Command Pipeline, Offline Queue drain, and
// Update Manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/apiclient"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/command"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/eventchannel"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/identity"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/metrics"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/queue"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/telemetry"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/update"
)

// ErrAlreadyRunning is returned by New when the single-instance lock is
// already held by another process on this machine (spec §5).
var ErrAlreadyRunning = errors.New("session: an instance is already running on this machine")

// Queues groups the three Offline Queue partitions the controller drains
// and feeds (spec §4.2).
type Queues struct {
	Status        *queue.Partition[eventchannel.StatusUpdate]
	CommandResult *queue.Partition[eventchannel.CommandResultEvent]
	ErrorReport   *queue.Partition[apiclient.ErrorReport]
}

// Config wires every collaborator the Session Controller drives. All
// fields are required except LockPath, which disables the single-instance
// lock when empty (used by tests).
type Config struct {
	LockPath string

	Identity *identity.Store
	API      *apiclient.Client

	ChannelConfig func(agentID, token string) eventchannel.Config

	Pipeline         *command.Pipeline
	TelemetryFactory func(emit telemetry.Emitter) *telemetry.Producer
	UpdateManager    *update.Manager
	UpdateChecker    *update.Checker

	Queues Queues

	ShutdownTimeout  time.Duration
	QueueDrainPeriod time.Duration
}

// Controller owns the agent's end-to-end lifecycle.
type Controller struct {
	cfg  Config
	log  *slog.Logger
	lock *fileLock

	channel *eventchannel.Channel

	postConnectOnce sync.Once
	shuttingDown    chan struct{}
	wg              sync.WaitGroup

	suspendOnce   sync.Once
	suspended     chan struct{}
	runCtx        context.Context
	cancelChecker context.CancelFunc
}

// New acquires the single-instance lock, loads the Identity Store, and
// wires the Event Channel, returning a Controller ready for Run.
func New(cfg Config, log *slog.Logger) (*Controller, error) {
	log = log.With("component", "session")

	var lock *fileLock
	if cfg.LockPath != "" {
		l, err := acquireLock(cfg.LockPath)
		if err != nil {
			return nil, err
		}
		lock = l
	}

	id, err := cfg.Identity.Load()
	if err != nil {
		if lock != nil {
			_ = lock.Release()
		}
		return nil, fmt.Errorf("session: load identity: %w", err)
	}
	cfg.API.SetCredentials(id.AgentID, id.Token)

	c := &Controller{cfg: cfg, log: log, lock: lock, shuttingDown: make(chan struct{}), suspended: make(chan struct{})}

	channelCfg := cfg.ChannelConfig(id.AgentID, id.Token)
	c.channel = eventchannel.New(channelCfg, realClockFor(), log, c, c.onChannelState)
	cfg.API.OnUnauthorized(c.suspendFromAPIClient)
	return c, nil
}

// suspendFromAPIClient is registered with the API Client's OnUnauthorized
// hook in New and enters Suspended mode directly. If it fires before Run has
// set runCtx and the checker's cancel func, enterSuspended has no checker to
// cancel yet and announces with a background context.
func (c *Controller) suspendFromAPIClient() {
	c.enterSuspended("api client received an unauthorized response")
}

// Close releases the single-instance lock. Callers should call this after
// Run returns.
func (c *Controller) Close() error {
	if c.lock != nil {
		return c.lock.Release()
	}
	return nil
}

// RequestShutdown begins a graceful shutdown — safe to call from any
// goroutine, including an update session that has just launched the
// Updater Companion (spec §4.9 step 6).
func (c *Controller) RequestShutdown() {
	select {
	case <-c.shuttingDown:
	default:
		close(c.shuttingDown)
	}
}

// Run starts every subsystem and blocks until ctx is cancelled or
// RequestShutdown is called, then waits up to ShutdownTimeout for
// in-flight work to drain (spec §4.6, §5).
func (c *Controller) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.runCtx = runCtx

	checkerCtx, cancelChecker := context.WithCancel(runCtx)
	defer cancelChecker()
	c.cancelChecker = cancelChecker

	go func() {
		select {
		case <-c.shuttingDown:
			cancel()
		case <-runCtx.Done():
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.channel.Run(runCtx)
		if c.channel.State() == eventchannel.Suspended {
			c.enterSuspended("event channel received an auth_error handshake rejection")
			return
		}
		if err != nil && runCtx.Err() == nil {
			c.log.Error("event channel loop exited unexpectedly", "error", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.cfg.Pipeline.Run(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		producer := c.cfg.TelemetryFactory(c.emitStatus)
		if err := producer.Run(runCtx); err != nil && runCtx.Err() == nil {
			c.log.Error("telemetry producer exited unexpectedly", "error", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.cfg.UpdateChecker.Run(checkerCtx); err != nil && checkerCtx.Err() == nil {
			c.log.Error("update checker exited unexpectedly", "error", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.drainQueuesLoop(runCtx)
	}()

	<-runCtx.Done()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownTimeout):
		c.log.Warn("shutdown timeout exceeded, exiting with subsystems still draining")
	}

	return nil
}

// Suspended reports whether the controller has entered Suspended operating
// mode (spec §4.6), e.g. for a diagnostics command or test assertion.
func (c *Controller) Suspended() bool {
	select {
	case <-c.suspended:
		return true
	default:
		return false
	}
}

// enterSuspended transitions the controller into Suspended operating mode
// (spec §4.6): authentication failure from either the Event Channel or the
// API Client stops the periodic Update Checker and surfaces a persistent
// "run configure" operator instruction, while the process itself keeps
// running until an operator reconfigures or stops it. Idempotent — the
// first collaborator to observe the auth failure wins.
func (c *Controller) enterSuspended(reason string) {
	c.suspendOnce.Do(func() {
		close(c.suspended)
		metrics.Suspended.Set(1)
		if c.cancelChecker != nil {
			c.cancelChecker()
		}
		ctx := c.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.announceSuspended(ctx, reason)
		}()
	})
}

// announceSuspended repeats the operator-visible suspension notice for as
// long as the process runs, so the condition stays visible in any log tail
// rather than scrolling out of view after the one-shot message that
// triggered it.
func (c *Controller) announceSuspended(ctx context.Context, reason string) {
	const repeat = 5 * time.Minute

	c.log.Error("agent suspended: authentication rejected, run the agent with -configure to restore credentials", "reason", reason)

	ticker := time.NewTicker(repeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.log.Error("agent suspended: authentication rejected, run the agent with -configure to restore credentials", "reason", reason)
		}
	}
}

// onChannelState drives the ordered post-connect sequence (spec §4.6:
// "after the channel first reaches Connected... in this exact order:
// checks for an update... then submits hardware-info once, then enters
// steady state"). Reconnects after the first Connected do not repeat it.
func (c *Controller) onChannelState(s eventchannel.State) {
	if s == eventchannel.Connected {
		metrics.ChannelConnected.Set(1)
	} else {
		metrics.ChannelConnected.Set(0)
	}
	if s == eventchannel.Connecting {
		metrics.ChannelReconnectsTotal.Inc()
	}
	if s != eventchannel.Connected {
		return
	}
	c.postConnectOnce.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runPostConnectSequence()
		}()
	})
}

func (c *Controller) runPostConnectSequence() {
	ctx := context.Background()
	c.cfg.UpdateChecker.CheckNow(ctx)

	info, err := localHardwareInfo()
	if err != nil {
		c.log.Warn("failed to collect hardware info", "error", err)
		return
	}
	if err := c.cfg.API.SubmitHardwareInfo(ctx, info); err != nil {
		c.log.Warn("failed to submit hardware info", "error", err)
	}
}

func (c *Controller) emitStatus(s telemetry.Sample) {
	ev := eventchannel.StatusUpdate{CPUUsage: s.CPUUsage, RAMUsage: s.RAMUsage, DiskUsage: s.DiskUsage}
	outcome, err := c.channel.EmitStatusUpdate(ev)
	if err == nil && outcome == eventchannel.EmitSent {
		return
	}
	if _, qerr := c.cfg.Queues.Status.Enqueue(ev); qerr != nil {
		c.log.Error("failed to enqueue status update for offline delivery", "error", qerr)
	}
}

// EmitCommandResult delivers a finished command.Result via the Event
// Channel if connected, falling back to the Offline Queue's command-result
// partition otherwise — the command-result analogue of emitStatus. Command
// handlers hand their Emitter this method (or, until the Controller exists,
// enqueue directly) so the channel-or-queue fallback is applied uniformly.
func (c *Controller) EmitCommandResult(ev eventchannel.CommandResultEvent) {
	outcome, err := c.channel.EmitCommandResult(ev)
	if err == nil && outcome == eventchannel.EmitSent {
		return
	}
	if _, qerr := c.cfg.Queues.CommandResult.Enqueue(ev); qerr != nil {
		c.log.Error("failed to enqueue command result for offline delivery", "error", qerr)
	}
}

// HandleCommandExecute implements eventchannel.InboundHandler.
func (c *Controller) HandleCommandExecute(ev eventchannel.CommandExecuteEvent) {
	c.cfg.Pipeline.Submit(command.Command{
		CommandID:  ev.CommandID,
		Command:    ev.Command,
		Type:       command.Type(ev.CommandType),
		Parameters: ev.Parameters,
	})
}

// HandleNewVersionAvailable implements eventchannel.InboundHandler.
// ApplyDescriptor runs a full download/verify/extract session, so it is
// handed off to its own goroutine rather than run inline — the channel's
// receive loop dispatches inbound events one at a time to preserve delivery
// order (spec §4.5), and a multi-step update session must not hold up the
// next command:execute event.
func (c *Controller) HandleNewVersionAvailable(ev eventchannel.NewVersionAvailableEvent) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.cfg.UpdateChecker.ApplyDescriptor(context.Background(), apiclient.UpdateDescriptor{
			Version:        ev.Version,
			DownloadURL:    ev.DownloadURL,
			ChecksumSHA256: ev.ChecksumSHA256,
			Notes:          ev.Notes,
		})
	}()
}

// drainQueuesLoop periodically flushes the Offline Queue partitions while
// the channel is connected (spec §4.2: "the drain loop... empties the
// queue in FIFO order whenever the channel is connected").
func (c *Controller) drainQueuesLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.QueueDrainPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportQueueDepths()
			if c.channel.State() != eventchannel.Connected {
				continue
			}
			c.drainStatus()
			c.drainCommandResults()
			c.drainErrorReports()
		}
	}
}

func (c *Controller) reportQueueDepths() {
	if n, err := c.cfg.Queues.Status.Len(); err == nil {
		metrics.OfflineQueueDepth.WithLabelValues("status").Set(float64(n))
	}
	if n, err := c.cfg.Queues.CommandResult.Len(); err == nil {
		metrics.OfflineQueueDepth.WithLabelValues("command-result").Set(float64(n))
	}
	if n, err := c.cfg.Queues.ErrorReport.Len(); err == nil {
		metrics.OfflineQueueDepth.WithLabelValues("error-report").Set(float64(n))
	}
}

func (c *Controller) drainStatus() {
	for {
		item, ok, err := c.cfg.Queues.Status.Dequeue()
		if err != nil {
			c.log.Warn("status queue dequeue failed", "error", err)
			return
		}
		if !ok {
			return
		}
		outcome, err := c.channel.EmitStatusUpdate(item.Payload)
		if err != nil || outcome != eventchannel.EmitSent {
			_ = c.cfg.Queues.Status.Requeue(item)
			return
		}
	}
}

func (c *Controller) drainCommandResults() {
	for {
		item, ok, err := c.cfg.Queues.CommandResult.Dequeue()
		if err != nil {
			c.log.Warn("command-result queue dequeue failed", "error", err)
			return
		}
		if !ok {
			return
		}
		outcome, err := c.channel.EmitCommandResult(item.Payload)
		if err != nil || outcome != eventchannel.EmitSent {
			_ = c.cfg.Queues.CommandResult.Requeue(item)
			return
		}
	}
}

func (c *Controller) drainErrorReports() {
	for {
		item, ok, err := c.cfg.Queues.ErrorReport.Dequeue()
		if err != nil {
			c.log.Warn("error-report queue dequeue failed", "error", err)
			return
		}
		if !ok {
			return
		}
		if err := c.cfg.API.ReportError(context.Background(), item.Payload); err != nil {
			_ = c.cfg.Queues.ErrorReport.Requeue(item)
			return
		}
	}
}
