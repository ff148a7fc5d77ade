//go:build linux

package hostsampler

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

type cpuTick struct {
	idle, total uint64
}

var (
	cpuMu   sync.Mutex
	lastTck cpuTick
	haveTck bool
)

// CPUPercent reads /proc/stat and reports busy time since the previous
// call. The first call after process start has no prior sample to diff
// against and returns 0 with no error.
func (s *Sampler) CPUPercent() (float64, error) {
	tick, err := readCPUTick()
	if err != nil {
		return 0, err
	}

	cpuMu.Lock()
	defer cpuMu.Unlock()
	if !haveTck {
		lastTck, haveTck = tick, true
		return 0, nil
	}

	deltaTotal := tick.total - lastTck.total
	deltaIdle := tick.idle - lastTck.idle
	lastTck = tick
	if deltaTotal == 0 {
		return 0, nil
	}
	busy := float64(deltaTotal-deltaIdle) / float64(deltaTotal) * 100
	return clampPercent(busy), nil
}

func readCPUTick() (cpuTick, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTick{}, fmt.Errorf("hostsampler: open /proc/stat: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuTick{}, fmt.Errorf("hostsampler: /proc/stat empty")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuTick{}, fmt.Errorf("hostsampler: unexpected /proc/stat format")
	}

	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}
	return cpuTick{idle: idle, total: total}, nil
}

// RAMPercent reads /proc/meminfo for MemTotal/MemAvailable.
func (s *Sampler) RAMPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("hostsampler: open /proc/meminfo: %w", err)
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			total, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable":
			available, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("hostsampler: could not determine MemTotal")
	}
	used := float64(total-available) / float64(total) * 100
	return clampPercent(used), nil
}

func populatePlatformStaticInfo(info *StaticInfo, diskTarget string) {
	if rel, err := os.ReadFile("/etc/os-release"); err == nil {
		info.OSVersion = parseOSRelease(string(rel))
	}
	if cpuinfo, err := os.Open("/proc/cpuinfo"); err == nil {
		defer cpuinfo.Close()
		scanner := bufio.NewScanner(cpuinfo)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "model name") {
				if idx := strings.Index(line, ":"); idx >= 0 {
					info.CPUModel = strings.TrimSpace(line[idx+1:])
				}
				break
			}
		}
	}

	var mem unix.Sysinfo_t
	if err := unix.Sysinfo(&mem); err == nil {
		info.TotalRAMMB = int64(mem.Totalram) * int64(mem.Unit) / (1024 * 1024)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(diskTarget, &stat); err == nil {
		info.TotalDiskGB = int64(stat.Blocks) * int64(stat.Bsize) / (1024 * 1024 * 1024)
	}
}

func parseOSRelease(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
		}
	}
	return ""
}

// DiskPercent statfs's the target directory.
func (s *Sampler) DiskPercent() (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.diskTarget(), &stat); err != nil {
		return 0, fmt.Errorf("hostsampler: statfs %s: %w", s.diskTarget(), err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("hostsampler: statfs reports zero total blocks")
	}
	used := float64(total-free) / float64(total) * 100
	return clampPercent(used), nil
}
