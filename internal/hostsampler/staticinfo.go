package hostsampler

import (
	"os"
	"runtime"
)

// StaticInfo is the one-shot hardware attribute snapshot uploaded once
// per session (spec §4.6's hardware-info step). Unlike CPUPercent /
// RAMPercent / DiskPercent this never changes across a run, so it's
// collected independently of the periodic ResourceSampler interface.
type StaticInfo struct {
	OSName      string
	OSVersion   string
	CPUModel    string
	TotalRAMMB  int64
	TotalDiskGB int64
	Hostname    string
}

// Collect gathers a best-effort StaticInfo snapshot for the host.
func (s *Sampler) Collect() (StaticInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	info := StaticInfo{
		OSName:   runtime.GOOS,
		CPUModel: "unknown",
		Hostname: hostname,
	}
	populatePlatformStaticInfo(&info, s.diskTarget())
	return info, nil
}
