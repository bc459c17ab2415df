package services

import (
	"context"
	"fmt"
	"time"

	"pushwatch/internal/models"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// MetricsSource returns a point-in-time snapshot of host metrics.
type MetricsSource interface {
	Snapshot(ctx context.Context) (models.MetricSnapshot, error)
}

// MetricsSourceFunc adapts a function to MetricsSource.
type MetricsSourceFunc func(ctx context.Context) (models.MetricSnapshot, error)

func (f MetricsSourceFunc) Snapshot(ctx context.Context) (models.MetricSnapshot, error) {
	return f(ctx)
}

// SystemSource samples the local host with gopsutil.
type SystemSource struct {
	diskPath     string
	cpuWindow    time.Duration
	topProcesses int
	log          logr.Logger
}

type SourceOption func(*SystemSource)

// WithDiskPath samples a filesystem other than "/".
func WithDiskPath(path string) SourceOption {
	return func(s *SystemSource) { s.diskPath = path }
}

// WithCPUWindow sets how long CPU utilisation is measured for each snapshot.
func WithCPUWindow(d time.Duration) SourceOption {
	return func(s *SystemSource) { s.cpuWindow = d }
}

// WithTopProcesses adds the n busiest processes to every snapshot.
func WithTopProcesses(n int) SourceOption {
	return func(s *SystemSource) { s.topProcesses = n }
}

func NewSystemSource(log logr.Logger, opts ...SourceOption) *SystemSource {
	s := &SystemSource{
		diskPath:  "/",
		cpuWindow: time.Second,
		log:       log.WithName("source"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot fails as a whole if any of cpu, memory, disk or network cannot be read.
// The process list is optional and only logged on failure.
func (s *SystemSource) Snapshot(ctx context.Context) (models.MetricSnapshot, error) {
	cpuPercent, err := s.cpuPercent(ctx)
	if err != nil {
		return models.MetricSnapshot{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	memory, err := memoryStats(ctx)
	if err != nil {
		return models.MetricSnapshot{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	diskStats, err := diskUsage(ctx, s.diskPath)
	if err != nil {
		return models.MetricSnapshot{}, fmt.Errorf("failed to get disk usage: %w", err)
	}

	network, err := networkTotals(ctx)
	if err != nil {
		return models.MetricSnapshot{}, fmt.Errorf("failed to get network usage: %w", err)
	}

	snapshot := models.MetricSnapshot{
		CPUPercent: cpuPercent,
		Memory:     memory,
		Disk:       diskStats,
		Network:    network,
	}

	if s.topProcesses > 0 {
		procs, err := TopProcesses(ctx, s.topProcesses)
		if err != nil {
			s.log.Info("could not list processes", "error", err.Error())
		} else {
			snapshot.Processes = procs
		}
	}

	return snapshot, nil
}

func (s *SystemSource) cpuPercent(ctx context.Context) (float64, error) {
	percentage, err := cpu.PercentWithContext(ctx, s.cpuWindow, false)
	if err != nil {
		return 0, err
	}
	if len(percentage) == 0 {
		return 0, fmt.Errorf("no CPU samples returned")
	}
	return clampPercent(percentage[0]), nil
}

func memoryStats(ctx context.Context) (models.MemoryStats, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return models.MemoryStats{}, err
	}
	return models.MemoryStats{
		Total:     vm.Total,
		Available: vm.Available,
		Used:      vm.Used,
		Percent:   clampPercent(vm.UsedPercent),
	}, nil
}

func diskUsage(ctx context.Context, path string) (models.DiskStats, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return models.DiskStats{}, err
	}
	return models.DiskStats{
		Total:   usage.Total,
		Used:    usage.Used,
		Free:    usage.Free,
		Percent: clampPercent(usage.UsedPercent),
	}, nil
}

// networkTotals sums the counters of every interface, like a single pernic=false read.
func networkTotals(ctx context.Context) (models.NetworkStats, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return models.NetworkStats{}, err
	}

	var totals models.NetworkStats
	for _, c := range counters {
		totals.BytesSent += c.BytesSent
		totals.BytesRecv += c.BytesRecv
		totals.PacketsSent += c.PacketsSent
		totals.PacketsRecv += c.PacketsRecv
		totals.ErrIn += c.Errin
		totals.ErrOut += c.Errout
		totals.DropIn += c.Dropin
		totals.DropOut += c.Dropout
	}
	return totals, nil
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
