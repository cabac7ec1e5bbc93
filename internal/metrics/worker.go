package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	workerCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage of the running worker process.",
		},
	)
	workerRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the running worker process.",
		},
	)
	workerThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "threads",
			Help:      "Thread count of the running worker process.",
		},
	)
)

// WorkerStats is a point-in-time resource sample of the worker process.
type WorkerStats struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SampleWorker reads CPU and memory usage of pid. CPU and thread failures
// degrade to zero; a missing process or memory failure is an error.
func SampleWorker(ctx context.Context, pid int) (WorkerStats, error) {
	if pid <= 0 {
		return WorkerStats{}, fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return WorkerStats{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		slog.Debug("failed to get CPU percent", "pid", pid, "error", err)
		cpu = 0
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return WorkerStats{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		slog.Debug("failed to get thread count", "pid", pid, "error", err)
		threads = 0
	}
	st := WorkerStats{
		PID:        int32(pid),
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDsWithContext(ctx); err == nil {
			st.NumFDs = fds
		}
	}
	return st, nil
}

// RecordWorker publishes a sample to the worker gauges.
func RecordWorker(st WorkerStats) {
	if !regOK.Load() {
		return
	}
	workerCPU.Set(st.CPUPercent)
	workerRSS.Set(float64(st.MemoryRSS))
	workerThreads.Set(float64(st.NumThreads))
}

// ClearWorker zeroes the worker gauges once no worker is running.
func ClearWorker() {
	if !regOK.Load() {
		return
	}
	workerCPU.Set(0)
	workerRSS.Set(0)
	workerThreads.Set(0)
}
