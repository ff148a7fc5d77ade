// Package telemetry implements the Telemetry Producer (spec §4.8): a
// periodic sampler that reads CPU, RAM, and primary-disk usage and emits
// agent:status_update, falling back to the Offline Queue when the Event
// Channel isn't connected. The periodic-sampling loop shape is grounded on
// the teacher's clock-driven Scheduler.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/metrics"
)

// Sample is one reading of the three usage percentages.
type Sample struct {
	CPUUsage  float64
	RAMUsage  float64
	DiskUsage float64
}

// ResourceSampler is the thin external collaborator that actually reads
// host resource usage. Implementations may fail per-metric; Producer
// degrades individual failed reads to their last known value (or 0) rather
// than failing the whole sample.
type ResourceSampler interface {
	CPUPercent() (float64, error)
	RAMPercent() (float64, error)
	DiskPercent() (float64, error)
}

// Emitter delivers a Sample — via the Event Channel if connected, or the
// Offline Queue's status partition otherwise.
type Emitter func(Sample)

// Producer periodically samples resource usage and emits it.
type Producer struct {
	sampler  ResourceSampler
	emit     Emitter
	schedule cron.Schedule
	clock    clock.Clock
	log      *slog.Logger

	lastCPU, lastRAM, lastDisk float64
}

// New builds a Producer sampling at a fixed interval. The interval is
// expressed as a cron.ConstantDelaySchedule (the same scheduling
// primitive the rest of the agent uses for the Update Manager's periodic
// checker) rather than a bare time.Duration loop.
func New(sampler ResourceSampler, emit Emitter, interval time.Duration, clk clock.Clock, log *slog.Logger) *Producer {
	return &Producer{
		sampler:  sampler,
		emit:     emit,
		schedule: cron.ConstantDelaySchedule{Delay: interval},
		clock:    clk,
		log:      log.With("component", "telemetry"),
	}
}

// Run samples and emits at Producer's interval until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) error {
	for {
		next := p.schedule.Next(p.clock.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(next.Sub(p.clock.Now())):
			p.emit(p.sample())
			metrics.TelemetrySamplesTotal.Inc()
		}
	}
}

func (p *Producer) sample() Sample {
	cpu, err := p.sampler.CPUPercent()
	if err != nil {
		p.log.Warn("cpu sample failed, using last known value", "error", err, "fallback", p.lastCPU)
		cpu = p.lastCPU
	}
	ram, err := p.sampler.RAMPercent()
	if err != nil {
		p.log.Warn("ram sample failed, using last known value", "error", err, "fallback", p.lastRAM)
		ram = p.lastRAM
	}
	disk, err := p.sampler.DiskPercent()
	if err != nil {
		p.log.Warn("disk sample failed, using last known value", "error", err, "fallback", p.lastDisk)
		disk = p.lastDisk
	}

	p.lastCPU, p.lastRAM, p.lastDisk = cpu, ram, disk
	return Sample{CPUUsage: cpu, RAMUsage: ram, DiskUsage: disk}
}
