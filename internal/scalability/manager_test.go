package scalability

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dealvault/scalecore/internal/capacity"
	"github.com/dealvault/scalecore/internal/circuit"
	"github.com/dealvault/scalecore/internal/config"
	"github.com/dealvault/scalecore/internal/metrics"
	"github.com/dealvault/scalecore/internal/scaling"
	"github.com/dealvault/scalecore/pkg/clock"
	"github.com/dealvault/scalecore/pkg/errors"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCache struct {
	mu        sync.Mutex
	pingErr   error
	pings     int
	published []interface{}
}

func (f *fakeCache) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeCache) PublishStatus(_ context.Context, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, v)
	return nil
}

func (f *fakeCache) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Metrics.RuntimeMetrics = false
	cfg.Circuit.FailureThreshold = 2
	cfg.Circuit.RecoveryTimeout = time.Second
	return cfg
}

func steadyLoad() scaling.LoadSource {
	return scaling.LoadSourceFunc(func(context.Context) (scaling.LoadMetrics, error) {
		return scaling.LoadMetrics{CPUPercent: 50, MemoryPercent: 50}, nil
	})
}

func newTestManager(t *testing.T, cfg *config.Configuration, opts ...Option) (*Manager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithClock(clk),
		WithLoadSource(steadyLoad()),
	}, opts...)
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	return m, clk
}

func metricValue(t *testing.T, m *Manager, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Collector().Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if matchLabels(metric, labels) {
				switch {
				case metric.Counter != nil:
					return metric.GetCounter().GetValue()
				case metric.Gauge != nil:
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(metric *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		t.Parallel()
		m, err := New(nil)
		require.NoError(t, err)
		assert.Equal(t, 2, m.Scaler().State().CurrentInstances)
		assert.False(t, m.Running())
	})

	t.Run("invalid config is fatal", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Scaling.MinInstances = 12
		cfg.Scaling.MaxInstances = 10

		m, err := New(cfg)
		require.Error(t, err)
		assert.Nil(t, m)
		assert.True(t, errors.HasCode(err, errors.ErrCodeConfigValidation))
	})

	t.Run("budgets are applied per category", func(t *testing.T) {
		t.Parallel()
		m, _ := newTestManager(t, testConfig())

		// 300ms breaches the database warning budget but not the default one.
		for i := 0; i < 20; i++ {
			m.Record("database", 300, true)
			m.Record("reports", 300, true)
		}
		dash := m.Snapshot()
		assert.Equal(t, metrics.HealthWarning, dash.Categories["database"].Health)
		assert.Equal(t, metrics.HealthHealthy, dash.Categories["reports"].Health)
	})
}

func TestManager_Lifecycle(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	err := m.Shutdown(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotInitialized))

	require.NoError(t, m.Initialize(ctx))
	assert.True(t, m.Running())

	err = m.Initialize(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyStarted))

	require.NoError(t, m.Shutdown(ctx))
	assert.False(t, m.Running())

	// A stopped manager can be started again.
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_InitializeClampsCapacity(t *testing.T) {
	t.Parallel()

	backend := capacity.NewStatic(40, nil)
	m, _ := newTestManager(t, testConfig(), WithCapacityController(backend))

	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())

	n, err := backend.CurrentInstances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, m.Scaler().State().CurrentInstances)
	assert.Equal(t, float64(10), metricValue(t, m, "scalecore_instances", nil))
}

func TestManager_InitializeWithScalingDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Scaling.Enabled = false
	var loads atomic.Int32
	m, _ := newTestManager(t, cfg,
		WithCapacityController(capacity.NewStatic(4, nil)),
		WithLoadSource(scaling.LoadSourceFunc(func(context.Context) (scaling.LoadMetrics, error) {
			loads.Add(1)
			return scaling.LoadMetrics{}, nil
		})))

	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())

	assert.Equal(t, 4, m.Scaler().State().CurrentInstances)
	assert.Zero(t, loads.Load())
}

func TestManager_Call(t *testing.T) {
	t.Parallel()

	m, clk := newTestManager(t, testConfig())
	ctx := context.Background()
	boom := stderrors.New("boom")

	for i := 0; i < 2; i++ {
		err := m.Call(ctx, "payments", func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	invoked := false
	err := m.Call(ctx, "payments", func(context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, circuit.IsRejected(err))
	assert.ErrorIs(t, err, circuit.ErrOpenState)
	assert.False(t, invoked)

	assert.Equal(t, float64(1), metricValue(t, m, "scalecore_circuit_rejections_total",
		map[string]string{"dependency": "payments", "state": "open"}))
	assert.Equal(t, float64(1), metricValue(t, m, "scalecore_circuit_state",
		map[string]string{"dependency": "payments"}))
	assert.Equal(t, float64(1), metricValue(t, m, "scalecore_circuit_transitions_total",
		map[string]string{"dependency": "payments", "from": "closed", "to": "open"}))

	clk.Advance(time.Second)
	require.NoError(t, m.Call(ctx, "payments", func(context.Context) error { return nil }))
	assert.Equal(t, circuit.StateClosed, m.Breakers().Breaker("payments").State())
	assert.Equal(t, float64(0), metricValue(t, m, "scalecore_circuit_state",
		map[string]string{"dependency": "payments"}))
}

func TestManager_Evaluate(t *testing.T) {
	t.Parallel()

	m, clk := newTestManager(t, testConfig())
	ctx := context.Background()

	d, err := m.Evaluate(ctx, scaling.LoadMetrics{CPUPercent: 90, MemoryPercent: 50})
	require.NoError(t, err)
	assert.Equal(t, scaling.ActionScaleUp, d.Action)
	assert.Equal(t, 3, d.To)

	st := m.Status(ctx)
	assert.Equal(t, 3, st.Capacity.State.CurrentInstances)
	assert.Equal(t, 5*time.Minute, st.Capacity.CooldownRemaining)
	require.NotNil(t, st.Capacity.LastDecision)
	assert.Equal(t, d.ID, st.Capacity.LastDecision.ID)

	clk.Advance(2 * time.Minute)
	st = m.Status(ctx)
	assert.Equal(t, 3*time.Minute, st.Capacity.CooldownRemaining)

	_, err = m.Evaluate(ctx, scaling.LoadMetrics{CPUPercent: 101})
	assert.ErrorIs(t, err, scaling.ErrInvalidLoad)
	assert.Equal(t, 3, m.Scaler().State().CurrentInstances)
}

func TestManager_Status(t *testing.T) {
	t.Parallel()

	t.Run("no cache", func(t *testing.T) {
		t.Parallel()
		m, _ := newTestManager(t, testConfig())

		st := m.Status(context.Background())
		assert.False(t, st.Cache.Configured)
		assert.Equal(t, metrics.HealthHealthy, st.Health)
		assert.Empty(t, st.Circuits)
		assert.Equal(t, epoch, st.GeneratedAt)
	})

	t.Run("healthy cache", func(t *testing.T) {
		t.Parallel()
		cache := &fakeCache{}
		m, _ := newTestManager(t, testConfig(), WithCache(cache))

		st := m.Status(context.Background())
		assert.True(t, st.Cache.Configured)
		assert.True(t, st.Cache.Healthy)
		assert.Empty(t, st.Cache.Error)
		assert.Equal(t, metrics.HealthHealthy, st.Health)
		require.Contains(t, st.Circuits, CacheDependency)
		assert.Equal(t, circuit.StateClosed, st.Circuits[CacheDependency].State)
	})

	t.Run("unreachable cache trips its breaker", func(t *testing.T) {
		t.Parallel()
		cache := &fakeCache{pingErr: stderrors.New("connection refused")}
		m, _ := newTestManager(t, testConfig(), WithCache(cache))
		ctx := context.Background()

		st := m.Status(ctx)
		assert.False(t, st.Cache.Healthy)
		assert.Contains(t, st.Cache.Error, "connection refused")
		assert.Equal(t, metrics.HealthWarning, st.Health)

		m.Status(ctx)
		st = m.Status(ctx)
		assert.Equal(t, circuit.StateOpen, st.Circuits[CacheDependency].State)
		assert.Contains(t, st.Cache.Error, "open")

		// The third ping was rejected without reaching the cache.
		cache.mu.Lock()
		assert.Equal(t, 2, cache.pings)
		cache.mu.Unlock()
	})

	t.Run("critical performance dominates", func(t *testing.T) {
		t.Parallel()
		m, _ := newTestManager(t, testConfig())
		for i := 0; i < 10; i++ {
			m.Record("api", 10, false)
		}
		assert.Equal(t, metrics.HealthCritical, m.Status(context.Background()).Health)
	})
}

func TestManager_PublishesStatus(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Cache.StatusTTL = 2 * time.Second
	cache := &fakeCache{}
	m, err := New(cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithLoadSource(steadyLoad()),
		WithCache(cache))
	require.NoError(t, err)

	require.NoError(t, m.Initialize(context.Background()))
	require.Eventually(t, func() bool { return cache.publishCount() > 0 }, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, m.Shutdown(context.Background()))

	cache.mu.Lock()
	st, ok := cache.published[0].(Status)
	cache.mu.Unlock()
	require.True(t, ok)
	assert.True(t, st.Cache.Healthy)
}

func TestManager_ShutdownHonorsContext(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	cfg := testConfig()
	cfg.Scaling.EvaluationInterval = 10 * time.Millisecond

	// The blocked tick outlives the test, so it must not log through t.
	m, err := New(cfg,
		WithLogger(zap.NewNop()),
		WithLoadSource(scaling.LoadSourceFunc(func(context.Context) (scaling.LoadMetrics, error) {
			once.Do(func() { close(blocked) })
			<-release
			return scaling.LoadMetrics{}, nil
		})))
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	<-blocked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.Shutdown(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationTimeout))

	close(release)
}

// gatedClock parks every Now call once armed, until released.
type gatedClock struct {
	*clock.Fake
	armed   atomic.Bool
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (g *gatedClock) Now() time.Time {
	if g.armed.Load() {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Fake.Now()
}

func TestManager_ShutdownWhilePublishing(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Scaling.Enabled = false
	cfg.Cache.StatusTTL = 2 * time.Second
	clk := &gatedClock{
		Fake:    clock.NewFake(epoch),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cache := &fakeCache{}
	m, err := New(cfg,
		WithLogger(zap.NewNop()),
		WithClock(clk),
		WithLoadSource(steadyLoad()),
		WithCache(cache))
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))

	// Hold the next publish tick inside Status.
	clk.armed.Store(true)
	select {
	case <-clk.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("publish tick never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Shutdown(ctx) }()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, m.Running())
	close(clk.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked behind the publish tick")
	}
	assert.Equal(t, 1, cache.publishCount())
}

func TestManager_ConcurrentUse(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, testConfig(), WithCache(&fakeCache{}))
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	defer m.Shutdown(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Record("api", float64(j), j%10 != 0)
				_ = m.Call(ctx, "search", func(context.Context) error { return nil })
				if j%25 == 0 {
					_ = m.Status(ctx)
					_, _ = m.Evaluate(ctx, scaling.LoadMetrics{CPUPercent: float64(i * 10), MemoryPercent: 50})
				}
			}
		}(i)
	}
	wg.Wait()

	stats, ok := m.Monitor().Category("api")
	require.True(t, ok)
	assert.Equal(t, uint64(800), stats.Count)
	st := m.Scaler().State()
	assert.GreaterOrEqual(t, st.CurrentInstances, st.MinInstances)
	assert.LessOrEqual(t, st.CurrentInstances, st.MaxInstances)
}
