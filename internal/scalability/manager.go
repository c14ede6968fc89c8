package scalability

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dealvault/scalecore/internal/capacity"
	"github.com/dealvault/scalecore/internal/circuit"
	"github.com/dealvault/scalecore/internal/config"
	"github.com/dealvault/scalecore/internal/metrics"
	"github.com/dealvault/scalecore/internal/scaling"
	"github.com/dealvault/scalecore/pkg/clock"
	"github.com/dealvault/scalecore/pkg/errors"
)

// CacheDependency is the breaker name guarding the cache collaborator.
const CacheDependency = "cache"

// Cache is the external cache service as seen by the status report.
type Cache interface {
	Ping(ctx context.Context) error
}

// StatusPublisher receives the periodic status snapshot. The Redis cache
// adapter implements it.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, v interface{}) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock sets the time source shared by every component.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithCapacityController sets the provisioning backend. Without it an
// in-memory backend is used.
func WithCapacityController(c scaling.CapacityController) Option {
	return func(m *Manager) { m.controller = c }
}

// WithLoadSource sets what the control loop reads. Without it host CPU and
// memory are read, combined with the monitor's health.
func WithLoadSource(s scaling.LoadSource) Option {
	return func(m *Manager) { m.load = s }
}

// WithCache sets the cache collaborator.
func WithCache(c Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// Manager owns the monitor, the breakers and the auto-scaler, and reports
// their combined status. It is the only component that talks to the cache
// and capacity collaborators.
type Manager struct {
	config *config.Configuration
	logger *zap.Logger
	clock  clock.Clock

	collector  *metrics.Collector
	monitor    *metrics.Monitor
	breakers   *circuit.Manager
	scaler     *scaling.AutoScaler
	controller scaling.CapacityController
	load       scaling.LoadSource
	cache      Cache

	// mu serializes Initialize and Shutdown. running is read without it so
	// the publisher can build a status while Shutdown waits for it.
	mu          sync.Mutex
	running     atomic.Bool
	stopPublish context.CancelFunc
	publishDone chan struct{}
}

// New validates cfg and builds every component. Invalid configuration is
// returned here, before any loop can start.
func New(cfg *config.Configuration, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{config: cfg}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.clock = clock.OrReal(m.clock)

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        cfg.Metrics.Enabled,
		Path:           cfg.Metrics.Path,
		Namespace:      cfg.Metrics.Namespace,
		RuntimeMetrics: cfg.Metrics.RuntimeMetrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create metrics collector").
			WithComponent("scalability")
	}
	m.collector = collector

	budgets := make(map[string]metrics.Budget, len(cfg.Monitor.Budgets))
	for name, b := range cfg.Monitor.Budgets {
		budgets[metrics.NormalizeCategory(name)] = metrics.Budget(b)
	}
	m.monitor = metrics.NewMonitor(metrics.MonitorConfig{
		WindowSize:       cfg.Monitor.RetentionWindowSize,
		MaxCategories:    cfg.Monitor.MaxCategories,
		IdleTTL:          cfg.Monitor.CategoryIdleTTL,
		EvictionInterval: cfg.Monitor.EvictionInterval,
		DefaultBudget:    metrics.Budget(cfg.Monitor.DefaultBudget),
		Budgets:          budgets,
		Clock:            m.clock,
	}, m.logger, collector)

	m.breakers = circuit.NewManager(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.Circuit.RecoveryTimeout,
		OnStateChange:    m.onStateChange,
		Clock:            m.clock,
	})

	if m.controller == nil {
		m.controller = capacity.NewStatic(cfg.Capacity.InitialInstances, m.logger)
	}
	if m.load == nil {
		m.load = scaling.NewSystemLoad(m.monitor, 0)
	}

	s := cfg.Scaling
	m.scaler, err = scaling.New(scaling.Config{
		MinInstances:       s.MinInstances,
		MaxInstances:       s.MaxInstances,
		ScaleStep:          s.ScaleStep,
		CooldownPeriod:     s.CooldownPeriod,
		EvaluationInterval: s.EvaluationInterval,
		ScaleUpCPUPct:      s.ScaleUpCPUPct,
		ScaleUpMemPct:      s.ScaleUpMemPct,
		ScaleDownCPUPct:    s.ScaleDownCPUPct,
		ScaleDownMemPct:    s.ScaleDownMemPct,
		ScaleUpOnCritical:  s.ScaleUpOnCritical,
		HistorySize:        s.HistorySize,
		Clock:              m.clock,
	}, m.controller, m.logger, collector)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) onStateChange(name string, from, to circuit.State) {
	m.collector.RecordStateChange(name, from.String(), to.String(), int(to))

	fields := []zap.Field{
		zap.String("dependency", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == circuit.StateOpen {
		m.logger.Warn("circuit opened", fields...)
		return
	}
	m.logger.Info("circuit state changed", fields...)
}

// Initialize starts the monitor's retention loop and, when scaling is
// enabled, the auto-scaler's control loop. The loops run until Shutdown or
// until ctx is cancelled.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "scalability manager already initialized").
			WithComponent("scalability")
	}

	if err := m.monitor.Start(ctx); err != nil {
		return err
	}
	if m.config.Scaling.Enabled {
		if err := m.scaler.Start(ctx, m.load); err != nil {
			m.monitor.Stop()
			return err
		}
	} else if err := m.scaler.Sync(ctx); err != nil {
		m.logger.Warn("initial capacity read failed", zap.Error(err))
	}

	if pub, ok := m.cache.(StatusPublisher); ok && m.config.Cache.StatusTTL > 0 {
		pctx, cancel := context.WithCancel(ctx)
		m.stopPublish = cancel
		m.publishDone = make(chan struct{})
		go m.publishLoop(pctx, pub, m.publishDone)
	}

	m.running.Store(true)
	st := m.scaler.State()
	m.logger.Info("scalability manager initialized",
		zap.Bool("scaling", m.config.Scaling.Enabled),
		zap.Int("instances", st.CurrentInstances),
		zap.Bool("cache", m.cache != nil))
	return nil
}

// Shutdown stops every loop and waits for them to exit, or until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.CompareAndSwap(true, false) {
		return errors.NewError(errors.ErrCodeNotInitialized, "scalability manager not initialized").
			WithComponent("scalability")
	}

	stopPublish, publishDone := m.stopPublish, m.publishDone
	m.stopPublish, m.publishDone = nil, nil

	done := make(chan struct{})
	go func() {
		defer close(done)
		if stopPublish != nil {
			stopPublish()
			<-publishDone
		}
		m.scaler.Stop()
		m.monitor.Stop()
	}()

	select {
	case <-done:
		m.logger.Info("scalability manager stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationTimeout, "shutdown did not complete").
			WithComponent("scalability")
	}
}

// Running reports whether Initialize has succeeded without a later Shutdown.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Record folds one observation into the monitor. It never fails.
func (m *Manager) Record(category string, durationMillis float64, success bool) {
	m.monitor.Record(category, durationMillis, success)
}

// Snapshot returns the monitor dashboard.
func (m *Manager) Snapshot() metrics.Dashboard {
	return m.monitor.Snapshot()
}

// Call runs op through the breaker guarding dependency. A refused call
// returns an error satisfying circuit.IsRejected.
func (m *Manager) Call(ctx context.Context, dependency string, op func(context.Context) error) error {
	err := m.breakers.Call(ctx, dependency, op)

	var rejected *circuit.RejectedError
	if errors.As(err, &rejected) {
		m.collector.RecordRejection(dependency, rejected.State.String())
	}
	return err
}

// Evaluate runs one auto-scaler evaluation outside the control loop.
func (m *Manager) Evaluate(ctx context.Context, load scaling.LoadMetrics) (scaling.Decision, error) {
	return m.scaler.Evaluate(ctx, load)
}

// Monitor returns the performance monitor.
func (m *Manager) Monitor() *metrics.Monitor { return m.monitor }

// Breakers returns the circuit breaker manager.
func (m *Manager) Breakers() *circuit.Manager { return m.breakers }

// Scaler returns the auto-scaler.
func (m *Manager) Scaler() *scaling.AutoScaler { return m.scaler }

// Collector returns the Prometheus collector.
func (m *Manager) Collector() *metrics.Collector { return m.collector }

func (m *Manager) publishLoop(ctx context.Context, pub StatusPublisher, done chan struct{}) {
	defer close(done)

	interval := m.config.Cache.StatusTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			st := m.Status(ctx)
			err := m.Call(ctx, CacheDependency, func(ctx context.Context) error {
				return pub.PublishStatus(ctx, st)
			})
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("status publish failed", zap.Error(err))
			}
		}
	}
}
