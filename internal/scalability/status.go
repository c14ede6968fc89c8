package scalability

import (
	"context"
	"time"

	"github.com/dealvault/scalecore/internal/circuit"
	"github.com/dealvault/scalecore/internal/metrics"
	"github.com/dealvault/scalecore/internal/scaling"
)

// Status is the combined report served on /status and published to the cache.
type Status struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Health      metrics.Health           `json:"health"`
	Running     bool                     `json:"running"`
	Capacity    CapacityStatus           `json:"capacity"`
	Circuits    map[string]circuit.Stats `json:"circuits"`
	Performance metrics.Dashboard        `json:"performance"`
	Cache       CacheStatus              `json:"cache"`
}

// CapacityStatus reports the auto-scaler's view of the pool.
type CapacityStatus struct {
	State             scaling.State     `json:"state"`
	Enabled           bool              `json:"enabled"`
	CooldownRemaining time.Duration     `json:"cooldown_remaining"`
	LastDecision      *scaling.Decision `json:"last_decision,omitempty"`
}

// CacheStatus reports the reachability of the cache collaborator.
type CacheStatus struct {
	Configured bool          `json:"configured"`
	Healthy    bool          `json:"healthy"`
	Latency    time.Duration `json:"latency,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Status gathers the scaler state, every breaker, the monitor dashboard and a
// cache ping. The ping runs through the cache breaker, so an unreachable cache
// is probed at most once per recovery timeout.
//
// Overall health is the monitor's health, raised to warning while any breaker
// is open or the cache is unreachable.
func (m *Manager) Status(ctx context.Context) Status {
	now := m.clock.Now()

	st := Status{
		GeneratedAt: now,
		Running:     m.Running(),
		Performance: m.monitor.Snapshot(),
		Cache:       m.pingCache(ctx),
	}

	scalerState := m.scaler.State()
	st.Capacity = CapacityStatus{
		State:             scalerState,
		Enabled:           m.config.Scaling.Enabled,
		CooldownRemaining: scalerState.CooldownRemaining(now),
	}
	if last := m.scaler.History(1); len(last) == 1 {
		st.Capacity.LastDecision = &last[0]
	}

	// Read after the ping so the cache breaker is included.
	st.Circuits = m.breakers.Stats()

	st.Health = st.Performance.Health
	if m.breakers.HealthCheck() != nil {
		st.Health = st.Health.Worse(metrics.HealthWarning)
	}
	if st.Cache.Configured && !st.Cache.Healthy {
		st.Health = st.Health.Worse(metrics.HealthWarning)
	}
	return st
}

func (m *Manager) pingCache(ctx context.Context) CacheStatus {
	if m.cache == nil {
		return CacheStatus{}
	}

	if timeout := m.config.Cache.PingTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := m.clock.Now()
	err := m.Call(ctx, CacheDependency, m.cache.Ping)
	cs := CacheStatus{
		Configured: true,
		Healthy:    err == nil,
		Latency:    m.clock.Now().Sub(start),
	}
	if err != nil {
		cs.Error = err.Error()
	}
	return cs
}
