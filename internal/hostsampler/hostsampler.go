// Package hostsampler implements telemetry.ResourceSampler against the
// live host. No library in the retrieved example pack both declares and
// actually imports a cross-platform resource-sampling dependency (the one
// pack go.mod that lists github.com/shirou/gopsutil pulls it in
// transitively — no source file in the pack calls it), so this is built on
// the platform primitives the standard library and golang.org/x/sys
// expose directly, per DESIGN.md's hostsampler entry and its note on
// gopsutil.
package hostsampler

import (
	"fmt"
	"os"
)

// Sampler reads CPU, RAM, and disk usage for the host the agent runs on.
type Sampler struct {
	diskPath string
}

// New builds a Sampler. diskPath is the filesystem whose usage percentage
// represents "primary disk" (spec §4.8) — typically the install directory.
func New(diskPath string) *Sampler {
	return &Sampler{diskPath: diskPath}
}

func (s *Sampler) diskTarget() string {
	if s.diskPath != "" {
		return s.diskPath
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func errUnsupported(metric string) error {
	return fmt.Errorf("hostsampler: %s sampling not supported on this platform", metric)
}
