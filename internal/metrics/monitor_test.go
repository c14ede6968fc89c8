package metrics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dealvault/scalecore/pkg/clock"
	"github.com/dealvault/scalecore/pkg/errors"
)

func newTestMonitor(t *testing.T, mutate func(*MonitorConfig)) (*Monitor, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := MonitorConfig{
		WindowSize:    1000,
		MaxCategories: 8,
		IdleTTL:       time.Hour,
		DefaultBudget: Budget{
			WarningErrorRate:  0.05,
			CriticalErrorRate: 0.10,
			WarningP95Millis:  1000,
			CriticalP95Millis: 2000,
		},
		Clock: clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewMonitor(cfg, zap.NewNop(), nil), clk
}

func TestMonitor_APIScenario(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t, nil)
	for i := 0; i < 100; i++ {
		m.Record("api", 90, true)
	}
	for i := 0; i < 5; i++ {
		m.Record("api", 400, false)
	}

	st, ok := m.Category("api")
	require.True(t, ok)
	assert.Equal(t, uint64(105), st.Count)
	assert.Equal(t, uint64(5), st.ErrorCount)
	assert.InDelta(t, 0.0476, st.ErrorRate, 0.0001)
	assert.Equal(t, 90.0, st.P50)
	assert.Equal(t, 90.0, st.P95, "failures are under 5%% of samples so p95 stays in the success cluster")
	assert.Equal(t, 400.0, st.P99)
	assert.Equal(t, 90.0, st.Min)
	assert.Equal(t, 400.0, st.Max)
	assert.InDelta(t, (100*90.0+5*400.0)/105, st.Mean, 1e-9)
	assert.Equal(t, 105, st.WindowSize)
	assert.Equal(t, HealthHealthy, st.Health)
}

func TestMonitor_HealthThresholds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		samples  func(m *Monitor)
		expected Health
	}{
		{
			name: "healthy",
			samples: func(m *Monitor) {
				for i := 0; i < 50; i++ {
					m.Record("search", 20, true)
				}
			},
			expected: HealthHealthy,
		},
		{
			name: "warning on error rate",
			samples: func(m *Monitor) {
				for i := 0; i < 94; i++ {
					m.Record("search", 20, true)
				}
				for i := 0; i < 6; i++ {
					m.Record("search", 20, false)
				}
			},
			expected: HealthWarning,
		},
		{
			name: "critical on error rate",
			samples: func(m *Monitor) {
				for i := 0; i < 9; i++ {
					m.Record("search", 20, true)
				}
				m.Record("search", 20, false)
			},
			expected: HealthCritical,
		},
		{
			name: "warning on p95",
			samples: func(m *Monitor) {
				for i := 0; i < 100; i++ {
					m.Record("search", 1500, true)
				}
			},
			expected: HealthWarning,
		},
		{
			name: "critical on p95",
			samples: func(m *Monitor) {
				for i := 0; i < 100; i++ {
					m.Record("search", 2500, true)
				}
			},
			expected: HealthCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor(t, nil)
			tt.samples(m)

			st, ok := m.Category("search")
			require.True(t, ok)
			assert.Equal(t, tt.expected, st.Health)
			assert.Equal(t, tt.expected, m.Health())
			assert.Equal(t, tt.expected, m.Snapshot().Health)
		})
	}
}

func TestMonitor_PerCategoryBudget(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t, func(c *MonitorConfig) {
		c.Budgets = map[string]Budget{
			"database": {WarningP95Millis: 100, CriticalP95Millis: 300},
		}
	})
	for i := 0; i < 30; i++ {
		m.Record("database", 150, true)
		m.Record("api", 150, true)
	}

	d := m.Snapshot()
	assert.Equal(t, HealthWarning, d.Categories["database"].Health)
	assert.Equal(t, HealthHealthy, d.Categories["api"].Health)
	assert.Equal(t, HealthWarning, d.Health, "overall health is the worst category")
}

func TestMonitor_EmptySnapshot(t *testing.T) {
	t.Parallel()

	m, clk := newTestMonitor(t, nil)
	d := m.Snapshot()
	assert.Equal(t, HealthHealthy, d.Health)
	assert.Empty(t, d.Categories)
	assert.Equal(t, clk.Now(), d.GeneratedAt)

	_, ok := m.Category("api")
	assert.False(t, ok)
	assert.Nil(t, m.Samples("api", 10))
}

func TestMonitor_CoercesMalformedInput(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t, nil)
	m.Record("", 10, true)
	m.Record("bad category!", 10, true)
	m.Record("api", -5, true)
	m.Record("api", math.NaN(), true)
	m.Record("api", math.Inf(1), false)

	unknown, ok := m.Category(UnknownCategory)
	require.True(t, ok)
	assert.Equal(t, uint64(2), unknown.Count)

	api, ok := m.Category("API")
	require.True(t, ok)
	assert.Equal(t, uint64(3), api.Count)
	assert.Equal(t, 0.0, api.Max)
	assert.Equal(t, 0.0, api.Min)
}

func TestMonitor_CategoryCap(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	clk := clock.NewFake(time.Now())
	m := NewMonitor(MonitorConfig{MaxCategories: 3, Clock: clk}, zap.New(core), nil)

	for i := 0; i < 10; i++ {
		m.Record(fmt.Sprintf("tenant-%d", i), 5, true)
	}

	d := m.Snapshot()
	assert.Len(t, d.Categories, 4, "three named buckets plus unknown")
	assert.Equal(t, uint64(7), d.Categories[UnknownCategory].Count)
	assert.Equal(t, 1, logs.FilterMessage("category limit reached, folding into unknown").Len(),
		"warnings are rate limited")

	// an existing category keeps recording past the cap
	m.Record("tenant-0", 5, true)
	st, _ := m.Category("tenant-0")
	assert.Equal(t, uint64(2), st.Count)
}

func TestMonitor_WindowIsBounded(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t, func(c *MonitorConfig) { c.WindowSize = 50 })
	for i := 0; i < 50; i++ {
		m.Record("api", 5000, false)
	}
	for i := 0; i < 50; i++ {
		m.Record("api", 10, true)
	}

	st, _ := m.Category("api")
	assert.Equal(t, uint64(100), st.Count)
	assert.Equal(t, uint64(50), st.ErrorCount)
	assert.Equal(t, 50, st.WindowSize)
	assert.Equal(t, 0.0, st.ErrorRate, "old failures have left the window")
	assert.Equal(t, 10.0, st.P99)
	assert.Equal(t, 5000.0, st.Max, "max is lifetime")
	assert.Equal(t, HealthHealthy, st.Health)
}

func TestMonitor_TrackAndRecordDuration(t *testing.T) {
	t.Parallel()

	m, clk := newTestMonitor(t, nil)

	done := m.Track("ai-inference")
	clk.Advance(1200 * time.Millisecond)
	done(true)

	m.RecordDuration("ai-inference", 300*time.Millisecond, false)

	samples := m.Samples("ai-inference", 0)
	require.Len(t, samples, 2)
	assert.Equal(t, 300.0, samples[0].DurationMillis)
	assert.False(t, samples[0].Success)
	assert.Equal(t, 1200.0, samples[1].DurationMillis)
	assert.Equal(t, "ai-inference", samples[1].Category)
}

func TestMonitor_EvictIdle(t *testing.T) {
	t.Parallel()

	m, clk := newTestMonitor(t, func(c *MonitorConfig) { c.IdleTTL = 10 * time.Minute })
	m.Record("stale", 10, true)
	clk.Advance(6 * time.Minute)
	m.Record("fresh", 10, true)

	assert.Equal(t, 0, m.EvictIdle())

	clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, m.EvictIdle())
	assert.Equal(t, 1, m.Len())

	_, ok := m.Category("stale")
	assert.False(t, ok)

	// an evicted category starts over
	m.Record("stale", 10, true)
	st, _ := m.Category("stale")
	assert.Equal(t, uint64(1), st.Count)
}

func TestMonitor_EvictedBucketRejectsLateRecord(t *testing.T) {
	t.Parallel()

	m, clk := newTestMonitor(t, nil)
	m.Record("api", 10, true)
	stale := m.category("api")

	clk.Advance(2 * time.Hour)
	require.Equal(t, 1, m.EvictIdle())
	assert.False(t, stale.record(MetricSample{Category: "api", DurationMillis: 25, Success: true, Timestamp: clk.Now()}))

	m.Record("api", 25, true)
	st, ok := m.Category("api")
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.Count)
	assert.Equal(t, 25.0, st.Max)

	// a bucket created but not yet written is not idle
	m.category("batch")
	assert.Equal(t, 0, m.EvictIdle())
}

func TestMonitor_StatsKeepWindowOrder(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t, nil)
	for d := 300; d >= 10; d -= 10 {
		m.Record("api", float64(d), true)
	}

	st, ok := m.Category("api")
	require.True(t, ok)
	assert.Equal(t, 30, st.WindowSize)
	assert.Equal(t, 160.0, st.P50)
	assert.Equal(t, 10.0, st.Min)
	assert.Equal(t, 300.0, st.Max)

	recent := m.Samples("api", 3)
	require.Len(t, recent, 3)
	assert.Equal(t, []float64{10, 20, 30},
		[]float64{recent[0].DurationMillis, recent[1].DurationMillis, recent[2].DurationMillis})
}

func TestMonitor_StartStop(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{
		IdleTTL:          time.Nanosecond,
		EvictionInterval: 5 * time.Millisecond,
	}, nil, nil)

	require.NoError(t, m.Start(context.Background()))
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyStarted))

	m.Record("api", 1, true)
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()

	require.NoError(t, m.Start(context.Background()), "monitor restarts after Stop")
	m.Stop()
}

func TestMonitor_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{IdleTTL: time.Hour, EvictionInterval: time.Millisecond}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))

	cancel()
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestMonitor_ConcurrentRecord(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor(t, func(c *MonitorConfig) { c.WindowSize = 100 })
	categories := []string{"api", "database", "ai-inference", "cache"}

	const workers = 64
	const perWorker = 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.Record(categories[(w+i)%len(categories)], float64(i%200), i%10 != 0)
				if i%100 == 0 {
					_ = m.Snapshot()
				}
			}
		}(w)
	}
	wg.Wait()

	var total, errs uint64
	d := m.Snapshot()
	for _, st := range d.Categories {
		total += st.Count
		errs += st.ErrorCount
		assert.LessOrEqual(t, st.ErrorCount, st.Count)
		assert.LessOrEqual(t, st.P50, st.P95)
		assert.LessOrEqual(t, st.P95, st.P99)
		assert.Equal(t, 100, st.WindowSize)
	}
	assert.Equal(t, uint64(workers*perWorker), total)
	assert.Equal(t, uint64(workers*perWorker/10), errs)
}

func TestBudget_ZeroThresholdDisablesCheck(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HealthHealthy, Budget{}.Evaluate(1, 1e9))
	assert.Equal(t, HealthCritical, Budget{CriticalErrorRate: 0.5}.Evaluate(0.5, 0))
}

func TestHealth_Worse(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HealthWarning, HealthHealthy.Worse(HealthWarning))
	assert.Equal(t, HealthCritical, HealthCritical.Worse(HealthWarning))
	assert.Equal(t, 2, HealthCritical.Level())
}
