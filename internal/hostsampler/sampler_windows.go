//go:build windows

package hostsampler

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"
)

var (
	modkernel32              = syscall.NewLazyDLL("kernel32.dll")
	procGetSystemTimes       = modkernel32.NewProc("GetSystemTimes")
	procGlobalMemoryStatusEx = modkernel32.NewProc("GlobalMemoryStatusEx")
	procGetDiskFreeSpaceExW  = modkernel32.NewProc("GetDiskFreeSpaceExW")
)

type filetime struct {
	LowDateTime, HighDateTime uint32
}

func (f filetime) ticks() uint64 {
	return uint64(f.HighDateTime)<<32 | uint64(f.LowDateTime)
}

type memoryStatusEx struct {
	Length               uint32
	MemoryLoad           uint32
	TotalPhys            uint64
	AvailPhys            uint64
	TotalPageFile        uint64
	AvailPageFile        uint64
	TotalVirtual         uint64
	AvailVirtual         uint64
	AvailExtendedVirtual uint64
}

var (
	cpuMu                  sync.Mutex
	lastIdle, lastKernel, lastUser uint64
	haveTick               bool
)

// CPUPercent reads GetSystemTimes and reports busy time since the
// previous call, mirroring the /proc/stat delta approach used on linux.
func (s *Sampler) CPUPercent() (float64, error) {
	var idle, kernel, user filetime
	r, _, err := procGetSystemTimes.Call(
		uintptr(unsafe.Pointer(&idle)),
		uintptr(unsafe.Pointer(&kernel)),
		uintptr(unsafe.Pointer(&user)),
	)
	if r == 0 {
		return 0, fmt.Errorf("hostsampler: GetSystemTimes: %w", err)
	}

	idleTicks, kernelTicks, userTicks := idle.ticks(), kernel.ticks(), user.ticks()

	cpuMu.Lock()
	defer cpuMu.Unlock()
	if !haveTick {
		lastIdle, lastKernel, lastUser = idleTicks, kernelTicks, userTicks
		haveTick = true
		return 0, nil
	}

	deltaIdle := idleTicks - lastIdle
	deltaKernel := kernelTicks - lastKernel
	deltaUser := userTicks - lastUser
	lastIdle, lastKernel, lastUser = idleTicks, kernelTicks, userTicks

	deltaTotal := deltaKernel + deltaUser
	if deltaTotal == 0 {
		return 0, nil
	}
	busy := float64(deltaTotal-deltaIdle) / float64(deltaTotal) * 100
	return clampPercent(busy), nil
}

// RAMPercent calls GlobalMemoryStatusEx.
func (s *Sampler) RAMPercent() (float64, error) {
	var status memoryStatusEx
	status.Length = uint32(unsafe.Sizeof(status))
	r, _, err := procGlobalMemoryStatusEx.Call(uintptr(unsafe.Pointer(&status)))
	if r == 0 {
		return 0, fmt.Errorf("hostsampler: GlobalMemoryStatusEx: %w", err)
	}
	return clampPercent(float64(status.MemoryLoad)), nil
}

func populatePlatformStaticInfo(info *StaticInfo, diskTarget string) {
	var status memoryStatusEx
	status.Length = uint32(unsafe.Sizeof(status))
	if r, _, _ := procGlobalMemoryStatusEx.Call(uintptr(unsafe.Pointer(&status))); r != 0 {
		info.TotalRAMMB = int64(status.TotalPhys) / (1024 * 1024)
	}

	if path, err := syscall.UTF16PtrFromString(diskTarget); err == nil {
		var freeAvail, total, totalFree uint64
		if r, _, _ := procGetDiskFreeSpaceExW.Call(
			uintptr(unsafe.Pointer(path)),
			uintptr(unsafe.Pointer(&freeAvail)),
			uintptr(unsafe.Pointer(&total)),
			uintptr(unsafe.Pointer(&totalFree)),
		); r != 0 {
			info.TotalDiskGB = int64(total) / (1024 * 1024 * 1024)
		}
	}

	info.OSVersion = "windows"
}

// DiskPercent calls GetDiskFreeSpaceExW on the target path.
func (s *Sampler) DiskPercent() (float64, error) {
	path, err := syscall.UTF16PtrFromString(s.diskTarget())
	if err != nil {
		return 0, fmt.Errorf("hostsampler: encode path: %w", err)
	}

	var freeAvail, total, totalFree uint64
	r, _, callErr := procGetDiskFreeSpaceExW.Call(
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(&freeAvail)),
		uintptr(unsafe.Pointer(&total)),
		uintptr(unsafe.Pointer(&totalFree)),
	)
	if r == 0 {
		return 0, fmt.Errorf("hostsampler: GetDiskFreeSpaceExW: %w", callErr)
	}
	if total == 0 {
		return 0, fmt.Errorf("hostsampler: reported zero total bytes")
	}
	used := float64(total-totalFree) / float64(total) * 100
	return clampPercent(used), nil
}
