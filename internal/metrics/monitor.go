package metrics

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dealvault/scalecore/pkg/clock"
	"github.com/dealvault/scalecore/pkg/errors"
)

// Health is the derived status of a category or of the whole monitor.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// Level orders health values: 0 healthy, 1 warning, 2 critical.
func (h Health) Level() int {
	switch h {
	case HealthWarning:
		return 1
	case HealthCritical:
		return 2
	default:
		return 0
	}
}

// Worse returns the more severe of h and other.
func (h Health) Worse(other Health) Health {
	if other.Level() > h.Level() {
		return other
	}
	return h
}

// Budget holds the thresholds a category is judged against. A zero
// threshold disables that check.
type Budget struct {
	WarningErrorRate  float64 `yaml:"warning_error_rate" json:"warning_error_rate"`
	CriticalErrorRate float64 `yaml:"critical_error_rate" json:"critical_error_rate"`
	WarningP95Millis  float64 `yaml:"warning_p95_ms" json:"warning_p95_ms"`
	CriticalP95Millis float64 `yaml:"critical_p95_ms" json:"critical_p95_ms"`
}

// Evaluate classifies an error rate and p95 latency.
func (b Budget) Evaluate(errorRate, p95Millis float64) Health {
	switch {
	case exceeds(errorRate, b.CriticalErrorRate), exceeds(p95Millis, b.CriticalP95Millis):
		return HealthCritical
	case exceeds(errorRate, b.WarningErrorRate), exceeds(p95Millis, b.WarningP95Millis):
		return HealthWarning
	default:
		return HealthHealthy
	}
}

func exceeds(v, threshold float64) bool {
	return threshold > 0 && v >= threshold
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Samples retained per category for percentiles and error rate
	WindowSize int

	// Distinct categories tracked before new ones fold into UnknownCategory
	MaxCategories int

	// Categories not observed for this long are evicted; zero disables eviction
	IdleTTL time.Duration

	// Period of the eviction loop
	EvictionInterval time.Duration

	DefaultBudget Budget
	Budgets       map[string]Budget

	// Time source; wall clock when nil
	Clock clock.Clock
}

// CategoryStats is a point-in-time view of one category. Durations are in
// milliseconds. Count and ErrorCount are lifetime totals, while ErrorRate and
// the percentiles cover only the retained window.
type CategoryStats struct {
	Category   string    `json:"category"`
	Count      uint64    `json:"count"`
	ErrorCount uint64    `json:"error_count"`
	ErrorRate  float64   `json:"error_rate"`
	P50        float64   `json:"p50_ms"`
	P95        float64   `json:"p95_ms"`
	P99        float64   `json:"p99_ms"`
	Min        float64   `json:"min_ms"`
	Max        float64   `json:"max_ms"`
	Mean       float64   `json:"mean_ms"`
	WindowSize int       `json:"window_size"`
	LastSeen   time.Time `json:"last_seen"`
	Health     Health    `json:"health"`
}

// Dashboard is the monitor snapshot served to operators and the scaler.
type Dashboard struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Categories  map[string]CategoryStats `json:"categories"`
	Health      Health                   `json:"health"`
}

type category struct {
	name string

	mu         sync.Mutex
	window     *window
	count      uint64
	errorCount uint64
	min, max   float64
	mean       float64
	lastSeen   time.Time
	evicted    bool
}

// record folds s into the bucket. It reports false when the bucket was
// evicted after the caller looked it up.
func (c *category) record(s MetricSample) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.evicted {
		return false
	}
	c.count++
	if !s.Success {
		c.errorCount++
	}
	if c.count == 1 || s.DurationMillis < c.min {
		c.min = s.DurationMillis
	}
	if s.DurationMillis > c.max {
		c.max = s.DurationMillis
	}
	c.mean += (s.DurationMillis - c.mean) / float64(c.count)
	c.lastSeen = s.Timestamp
	c.window.add(s)
	return true
}

func (c *category) stats(budget Budget) CategoryStats {
	c.mu.Lock()
	sorted := c.window.durations()
	st := CategoryStats{
		Category:   c.name,
		Count:      c.count,
		ErrorCount: c.errorCount,
		Min:        c.min,
		Max:        c.max,
		Mean:       c.mean,
		WindowSize: len(sorted),
		LastSeen:   c.lastSeen,
	}
	if len(sorted) > 0 {
		st.ErrorRate = float64(c.window.errors) / float64(len(sorted))
	}
	c.mu.Unlock()

	sort.Float64s(sorted)
	st.P50 = percentile(sorted, 0.50)
	st.P95 = percentile(sorted, 0.95)
	st.P99 = percentile(sorted, 0.99)
	st.Health = budget.Evaluate(st.ErrorRate, st.P95)
	return st
}

// evictIfIdle marks the bucket evicted when it has not been observed for ttl.
func (c *category) evictIfIdle(now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSeen) < ttl {
		return false
	}
	c.evicted = true
	return true
}

// Monitor aggregates operation latency and outcome per category.
//
// Record takes the map read lock only long enough to find the category, then
// the category's own mutex, so callers on different categories never contend.
type Monitor struct {
	config    MonitorConfig
	clock     clock.Clock
	logger    *zap.Logger
	collector *Collector
	capWarn   *rate.Limiter

	mu         sync.RWMutex
	categories map[string]*category

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. logger and collector may be nil.
func NewMonitor(config MonitorConfig, logger *zap.Logger, collector *Collector) *Monitor {
	if config.WindowSize <= 0 {
		config.WindowSize = 1000
	}
	if config.MaxCategories <= 0 {
		config.MaxCategories = 64
	}
	if config.EvictionInterval <= 0 {
		config.EvictionInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{
		config:     config,
		clock:      clock.OrReal(config.Clock),
		logger:     logger.Named("monitor"),
		collector:  collector,
		capWarn:    rate.NewLimiter(rate.Every(time.Minute), 1),
		categories: make(map[string]*category),
	}
}

// Record folds one observation into its category. It never fails: malformed
// categories become UnknownCategory and unusable durations become 0.
func (m *Monitor) Record(categoryName string, durationMillis float64, success bool) {
	if math.IsNaN(durationMillis) || math.IsInf(durationMillis, 0) || durationMillis < 0 {
		durationMillis = 0
	}

	now := m.clock.Now()
	name := NormalizeCategory(categoryName)

	// A bucket evicted between lookup and record is looked up once more.
	for attempt := 0; attempt < 2; attempt++ {
		c := m.category(name)
		if c.record(MetricSample{
			Category:       c.name,
			DurationMillis: durationMillis,
			Success:        success,
			Timestamp:      now,
		}) {
			m.collector.ObserveSample(c.name, durationMillis, success)
			return
		}
	}
}

// RecordDuration records d as milliseconds.
func (m *Monitor) RecordDuration(categoryName string, d time.Duration, success bool) {
	m.Record(categoryName, float64(d)/float64(time.Millisecond), success)
}

// Track starts timing an operation; the returned func records it.
func (m *Monitor) Track(categoryName string) func(success bool) {
	start := m.clock.Now()
	return func(success bool) {
		m.RecordDuration(categoryName, m.clock.Now().Sub(start), success)
	}
}

// category returns the bucket for name, creating it on first use.
func (m *Monitor) category(name string) *category {
	m.mu.RLock()
	c, ok := m.categories[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.categories[name]; ok {
		return c
	}

	if name != UnknownCategory && m.namedCount() >= m.config.MaxCategories {
		if m.capWarn.Allow() {
			m.logger.Warn("category limit reached, folding into unknown",
				zap.String("category", name),
				zap.Int("max_categories", m.config.MaxCategories))
		}
		name = UnknownCategory
		if c, ok := m.categories[name]; ok {
			return c
		}
	}

	c = &category{name: name, window: newWindow(m.config.WindowSize), lastSeen: m.clock.Now()}
	m.categories[name] = c
	return c
}

// namedCount excludes the unknown bucket from the cap. Caller holds mu.
func (m *Monitor) namedCount() int {
	n := len(m.categories)
	if _, ok := m.categories[UnknownCategory]; ok {
		n--
	}
	return n
}

func (m *Monitor) budget(name string) Budget {
	if b, ok := m.config.Budgets[name]; ok {
		return b
	}
	return m.config.DefaultBudget
}

func (m *Monitor) list() []*category {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*category, 0, len(m.categories))
	for _, c := range m.categories {
		out = append(out, c)
	}
	return out
}

// Snapshot returns per-category statistics and the overall health, which is
// the worst category health or healthy when nothing has been recorded.
func (m *Monitor) Snapshot() Dashboard {
	d := Dashboard{
		GeneratedAt: m.clock.Now(),
		Categories:  make(map[string]CategoryStats),
		Health:      HealthHealthy,
	}
	for _, c := range m.list() {
		st := c.stats(m.budget(c.name))
		d.Categories[c.name] = st
		d.Health = d.Health.Worse(st.Health)
		m.collector.SetCategoryHealth(c.name, st.Health.Level())
	}
	return d
}

// Category returns the statistics of a single category.
func (m *Monitor) Category(name string) (CategoryStats, bool) {
	name = NormalizeCategory(name)

	m.mu.RLock()
	c, ok := m.categories[name]
	m.mu.RUnlock()

	if !ok {
		return CategoryStats{}, false
	}
	return c.stats(m.budget(name)), true
}

// Samples returns up to n of the most recent samples of a category, newest first.
func (m *Monitor) Samples(name string, n int) []MetricSample {
	m.mu.RLock()
	c, ok := m.categories[NormalizeCategory(name)]
	m.mu.RUnlock()

	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.recent(n)
}

// Health returns the overall health.
func (m *Monitor) Health() Health {
	h := HealthHealthy
	for _, c := range m.list() {
		h = h.Worse(c.stats(m.budget(c.name)).Health)
		if h == HealthCritical {
			break
		}
	}
	return h
}

// Len returns the number of tracked categories.
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.categories)
}

// Start launches the idle-category eviction loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "monitor already started").
			WithComponent("monitor")
	}
	if m.config.IdleTTL <= 0 {
		m.logger.Debug("category eviction disabled")
		m.cancel = func() {}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.evictionLoop(ctx, m.done)

	m.logger.Info("monitor started",
		zap.Duration("idle_ttl", m.config.IdleTTL),
		zap.Duration("interval", m.config.EvictionInterval))
	return nil
}

// Stop cancels the eviction loop and waits for it to exit. A pending tick is dropped.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (m *Monitor) evictionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			m.EvictIdle()
		}
	}
}

// EvictIdle removes categories not observed within the idle TTL and returns
// how many were removed. A Record that loses the race with eviction of its
// category records into a fresh bucket instead.
func (m *Monitor) EvictIdle() int {
	if m.config.IdleTTL <= 0 {
		return 0
	}
	now := m.clock.Now()

	m.mu.Lock()
	var evicted []string
	for name, c := range m.categories {
		if c.evictIfIdle(now, m.config.IdleTTL) {
			delete(m.categories, name)
			evicted = append(evicted, name)
		}
	}
	m.mu.Unlock()

	for _, name := range evicted {
		m.collector.ForgetCategory(name)
	}
	if len(evicted) > 0 {
		m.logger.Debug("evicted idle categories", zap.Strings("categories", evicted))
	}
	return len(evicted)
}
