package observability

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ProcSampler reports host memory and CPU utilization in percent from
// /proc. Root overrides the /proc location.
type ProcSampler struct {
	Root string
}

func NewProcSampler() *ProcSampler {
	return &ProcSampler{Root: "/proc"}
}

// Sample returns memory and CPU utilization percentages in [0, 100].
// Values that cannot be read fall back to the Go runtime's own view.
func (s *ProcSampler) Sample() (memory, cpu float64) {
	return s.memoryPercent(), s.cpuPercent()
}

func (s *ProcSampler) cpuPercent() float64 {
	b, err := os.ReadFile(filepath.Join(s.root(), "loadavg"))
	if err != nil {
		return 0
	}
	parts := strings.Fields(string(b))
	if len(parts) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	return clampPercent(load / float64(max(runtime.NumCPU(), 1)) * 100)
}

func (s *ProcSampler) memoryPercent() float64 {
	b, err := os.ReadFile(filepath.Join(s.root(), "meminfo"))
	if err != nil {
		return runtimeMemoryPercent()
	}
	var totalKB, availKB float64
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if totalKB <= 0 {
		return runtimeMemoryPercent()
	}
	return clampPercent((totalKB - availKB) / totalKB * 100)
}

func (s *ProcSampler) root() string {
	if s.Root == "" {
		return "/proc"
	}
	return s.Root
}

// runtimeMemoryPercent is the share of memory obtained from the OS that the
// heap is using.
func runtimeMemoryPercent() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0
	}
	return clampPercent(float64(ms.HeapInuse) / float64(ms.Sys) * 100)
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
