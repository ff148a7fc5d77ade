//go:build !linux && !windows

package hostsampler

// Non-linux, non-windows hosts (darwin/bsd) get a Sampler that declines
// CPU, RAM and disk alike, returning an unsupported error for each — there's
// no single stdlib syscall covering those across the BSD family the way
// /proc and GlobalMemoryStatusEx do on their platforms, and the agent's
// deployment targets are linux and windows.

func (s *Sampler) CPUPercent() (float64, error) {
	return 0, errUnsupported("cpu")
}

func (s *Sampler) RAMPercent() (float64, error) {
	return 0, errUnsupported("ram")
}

func (s *Sampler) DiskPercent() (float64, error) {
	return 0, errUnsupported("disk")
}

func populatePlatformStaticInfo(info *StaticInfo, diskTarget string) {}
