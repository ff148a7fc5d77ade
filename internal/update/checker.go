package update

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/apiclient"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
)

// CheckUpdate is the thin collaborator the Checker polls — satisfied by
// *apiclient.Client.
type CheckUpdate func(ctx context.Context, currentVersion string) (apiclient.CheckUpdateOutcome, error)

// Checker runs the periodic poll side of update discovery (spec §4.9:
// "periodic with interval AutoUpdateIntervalSec ... also triggered once on
// initial Connected"). Pushed agent:new_version_available events skip the
// poll: the Event Channel's inbound handler calls ApplyDescriptor with the
// pushed descriptor instead of going through this loop.
type Checker struct {
	manager  *Manager
	check    CheckUpdate
	schedule cron.Schedule
	clock    clock.Clock
	log      *slog.Logger
}

// NewChecker builds a Checker polling at a fixed interval, expressed as a
// cron.ConstantDelaySchedule (spec §4.6's periodic-scheduling primitive).
func NewChecker(manager *Manager, check CheckUpdate, interval time.Duration, clk clock.Clock, log *slog.Logger) *Checker {
	return &Checker{manager: manager, check: check, schedule: cron.ConstantDelaySchedule{Delay: interval}, clock: clk, log: log.With("component", "update-checker")}
}

// Run polls immediately, then every interval, until ctx is cancelled.
// Concurrent-session and ignored-version outcomes are not treated as
// loop-ending errors — only a cancelled context stops the Checker.
func (c *Checker) Run(ctx context.Context) error {
	c.CheckNow(ctx)
	for {
		next := c.schedule.Next(c.clock.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(next.Sub(c.clock.Now())):
			c.CheckNow(ctx)
		}
	}
}

// CheckNow polls once and, if a non-ignored update is available, applies
// it. Safe to call directly from the Event Channel's push handler.
func (c *Checker) CheckNow(ctx context.Context) {
	outcome, err := c.check(ctx, c.manager.cfg.CurrentVersion)
	if err != nil {
		c.log.Warn("check-update request failed", "error", err)
		return
	}
	if !outcome.Available {
		return
	}
	c.ApplyDescriptor(ctx, outcome.Descriptor)
}

// ApplyDescriptor applies a descriptor regardless of its origin (poll
// response or a pushed agent:new_version_available event).
func (c *Checker) ApplyDescriptor(ctx context.Context, desc apiclient.UpdateDescriptor) {
	if err := c.manager.Apply(ctx, desc); err != nil {
		c.log.Info("update not applied", "version", desc.Version, "error", err)
	}
}
