package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/BrickPiGuy/dissertationScripts/pkg/thermal"
)

type sysStats struct {
	cpuPct     float64
	memUsedMB  int64
	memFreeMB  int64
	memTotalMB int64
	procRSSKB  int64
	pid        int
	temp       float64
	tempErr    error
}

type cpuSample struct {
	total uint64
	idle  uint64
}

// sampleSystem reads CPU, memory, the run's RSS and the device temperature.
// prev is the previous /proc/stat sample; the next one is returned.
func sampleSystem(ctx context.Context, sensor thermal.Sensor, pid int, prev cpuSample) (sysStats, cpuSample) {
	stats := sysStats{pid: pid}
	if total, idle, ok := readCPUStat("/proc/stat"); ok {
		if prev.total > 0 && total > prev.total {
			dt := float64(total - prev.total)
			di := float64(idle - prev.idle)
			stats.cpuPct = (1.0 - di/dt) * 100.0
		}
		prev = cpuSample{total: total, idle: idle}
	}
	if total, used, free, ok := readMemMB("/proc/meminfo"); ok {
		stats.memTotalMB = total
		stats.memUsedMB = used
		stats.memFreeMB = free
	}
	if pid > 0 {
		stats.procRSSKB = readProcRSSKB(pid)
	}
	if sensor != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		stats.temp, stats.tempErr = sensor.Read(ctx)
	}
	return stats, prev
}

func readCPUStat(path string) (total, idle uint64, ok bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	for _, ln := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(ln, "cpu ") {
			continue
		}
		f := strings.Fields(ln)
		if len(f) < 5 {
			return 0, 0, false
		}
		for i, s := range f[1:] {
			v, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return 0, 0, false
			}
			total += v
			if i == 3 {
				idle = v
			}
		}
		return total, idle, true
	}
	return 0, 0, false
}

func readMemMB(path string) (total, used, free int64, ok bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, 0, false
	}
	var totalKB, availKB int64
	for _, ln := range strings.Split(string(b), "\n") {
		f := strings.Fields(ln)
		if len(f) < 2 {
			continue
		}
		switch f[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseInt(f[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseInt(f[1], 10, 64)
		}
	}
	if totalKB == 0 {
		return 0, 0, 0, false
	}
	return totalKB / 1024, (totalKB - availKB) / 1024, availKB / 1024, true
}

func readProcRSSKB(pid int) int64 {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	for _, ln := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(ln, "VmRSS:") {
			if f := strings.Fields(ln); len(f) >= 2 {
				v, _ := strconv.ParseInt(f[1], 10, 64)
				return v
			}
		}
	}
	return 0
}

// detectGPU describes the first NVIDIA GPU, if any. Trials train on the CPU
// either way; the GPU only matters as a heat source.
func detectGPU(smi string) string {
	if smi == "" {
		smi = "nvidia-smi"
	}
	out, err := exec.Command(smi, "--query-gpu=name,driver_version,memory.total", "--format=csv,noheader").Output()
	if err != nil {
		return "GPU: not detected"
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if strings.TrimSpace(first) == "" {
		return "GPU: detected, details unavailable"
	}
	return "GPU: " + strings.TrimSpace(first)
}
