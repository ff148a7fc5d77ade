package command

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/metrics"
)

// Handler executes one command and returns its result. Implementations
// must honor ctx's deadline and terminate any spawned process tree on
// expiry.
type Handler func(ctx context.Context, cmd Command) Result

// Emitter delivers a finished Result — via the Event Channel if connected,
// or the Offline Queue's command-result partition otherwise (spec §4.7's
// channel-or-queue fallback). Implementations must not block indefinitely.
type Emitter func(Result)

// ErrorReporter delivers a structured error report, used for the
// queue_full rejection path.
type ErrorReporter func(code, message string)

// Config configures a Pipeline.
type Config struct {
	MaxQueueSize        int
	MaxParallelCommands int
	DefaultTimeout      time.Duration
}

// Pipeline is the bounded in-memory command queue plus worker pool
// dispatcher (spec §4.7).
type Pipeline struct {
	cfg      Config
	queue    chan Command
	handlers map[Type]Handler
	emit     Emitter
	report   ErrorReporter
	log      *slog.Logger

	wg sync.WaitGroup
}

// New builds a Pipeline. handlers is consulted by CommandType; a command
// whose type has no registered handler produces an
// ErrorCodeUnsupported result instead of panicking.
func New(cfg Config, handlers map[Type]Handler, emit Emitter, report ErrorReporter, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		queue:    make(chan Command, cfg.MaxQueueSize),
		handlers: handlers,
		emit:     emit,
		report:   report,
		log:      log.With("component", "command"),
	}
}

// Submit enqueues cmd for dispatch. If the queue is full, it is rejected
// immediately (not waited on): a CommandResult with errorCode=queue_full is
// produced through the ordinary emit path and a structured error is
// reported (spec §4.7).
func (p *Pipeline) Submit(cmd Command) {
	if cmd.Type == "" {
		cmd.Type = Console
	}

	select {
	case p.queue <- cmd:
		p.log.Debug("command enqueued", "command_id", cmd.CommandID, "type", cmd.Type)
		metrics.CommandQueueDepth.Set(float64(len(p.queue)))
	default:
		p.log.Warn("command rejected, queue full", "command_id", cmd.CommandID)
		result := failResult(cmd, ErrorCodeQueueFull, "command queue is full")
		p.emit(result)
		if p.report != nil {
			p.report(ErrorCodeQueueFull, "command "+cmd.CommandID+" rejected: queue full")
		}
	}
}

// Run starts MaxParallelCommands workers consuming from the queue. It
// blocks until ctx is cancelled and all in-flight workers have returned.
func (p *Pipeline) Run(ctx context.Context) {
	n := p.cfg.MaxParallelCommands
	if n <= 0 {
		n = 1
	}

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Wait()
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-p.queue:
			if !ok {
				return
			}
			p.dispatch(ctx, cmd)
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, cmd Command) {
	handler, ok := p.handlers[cmd.Type]
	if !ok {
		p.log.Warn("unsupported command type", "command_id", cmd.CommandID, "type", cmd.Type)
		p.emit(failResult(cmd, ErrorCodeUnsupported, "unsupported command type: "+string(cmd.Type)))
		return
	}

	deadline := p.timeoutFor(cmd)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	resultCh := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- failResult(cmd, ErrorCodeInternal, "handler panic")
			}
		}()
		resultCh <- handler(runCtx, cmd)
	}()

	metrics.CommandQueueDepth.Set(float64(len(p.queue)))

	select {
	case result := <-resultCh:
		p.emit(result)
		p.recordOutcome(cmd, result, start)
	case <-runCtx.Done():
		result := failResult(cmd, ErrorCodeTimeout, "command exceeded its deadline")
		p.emit(result)
		p.recordOutcome(cmd, result, start)
		// The handler is responsible for observing runCtx's cancellation
		// and terminating any process tree it spawned; we don't block
		// the worker waiting for it to finish cleaning up.
	}
}

func (p *Pipeline) recordOutcome(cmd Command, result Result, start time.Time) {
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(string(cmd.Type), outcome).Inc()
	metrics.CommandDuration.WithLabelValues(string(cmd.Type)).Observe(time.Since(start).Seconds())
}

// timeoutFor resolves parameters.timeout_sec, falling back to
// DefaultTimeout. A timeout_sec of exactly 0 is treated as the default
// (spec §8 boundary behavior), not as "no timeout".
func (p *Pipeline) timeoutFor(cmd Command) time.Duration {
	if raw, ok := cmd.Parameters["timeout_sec"]; ok {
		if secs, ok := asSeconds(raw); ok && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return p.cfg.DefaultTimeout
}

func asSeconds(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
