package session

import (
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/apiclient"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/hostsampler"
)

func realClockFor() clock.Clock {
	return clock.Real{}
}

var hardwareSampler = hostsampler.New("")

func localHardwareInfo() (apiclient.HardwareInfo, error) {
	info, err := hardwareSampler.Collect()
	if err != nil {
		return apiclient.HardwareInfo{}, err
	}
	return apiclient.HardwareInfo{
		OSName:      info.OSName,
		OSVersion:   info.OSVersion,
		CPUModel:    info.CPUModel,
		TotalRAMMB:  info.TotalRAMMB,
		TotalDiskGB: info.TotalDiskGB,
		Hostname:    info.Hostname,
	}, nil
}
