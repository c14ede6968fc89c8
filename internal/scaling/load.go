package scaling

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dealvault/scalecore/internal/metrics"
	"github.com/dealvault/scalecore/pkg/errors"
)

// HealthReader supplies the performance signal folded into each reading.
type HealthReader interface {
	Health() metrics.Health
}

// SystemLoad reads host CPU and memory utilization.
type SystemLoad struct {
	// CPU sampling window; zero compares against the previous call
	SampleInterval time.Duration

	// Optional performance health source
	Health HealthReader

	cpuPercent func(ctx context.Context, interval time.Duration) (float64, error)
	memPercent func(ctx context.Context) (float64, error)
}

// NewSystemLoad returns a load source backed by gopsutil.
func NewSystemLoad(health HealthReader, sampleInterval time.Duration) *SystemLoad {
	return &SystemLoad{
		SampleInterval: sampleInterval,
		Health:         health,
		cpuPercent:     hostCPUPercent,
		memPercent:     hostMemPercent,
	}
}

// Load implements LoadSource.
func (s *SystemLoad) Load(ctx context.Context) (LoadMetrics, error) {
	cpuPct, err := s.cpuPercent(ctx, s.SampleInterval)
	if err != nil {
		return LoadMetrics{}, errors.Wrap(err, errors.ErrCodeLoadUnavailable, "failed to read cpu utilization").
			WithComponent("system_load")
	}
	memPct, err := s.memPercent(ctx)
	if err != nil {
		return LoadMetrics{}, errors.Wrap(err, errors.ErrCodeLoadUnavailable, "failed to read memory utilization").
			WithComponent("system_load")
	}

	load := LoadMetrics{CPUPercent: cpuPct, MemoryPercent: memPct}
	if s.Health != nil {
		load.Health = s.Health.Health()
	}
	return load, nil
}

func hostCPUPercent(ctx context.Context, interval time.Duration) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, errors.NewError(errors.ErrCodeLoadUnavailable, "no cpu samples reported")
	}
	return pcts[0], nil
}

func hostMemPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
