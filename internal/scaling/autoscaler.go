package scaling

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dealvault/scalecore/internal/metrics"
	"github.com/dealvault/scalecore/pkg/clock"
	"github.com/dealvault/scalecore/pkg/errors"
)

// Action is the outcome of one evaluation.
type Action string

const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// ErrInvalidLoad is matched by evaluations rejected for out-of-range metrics.
var ErrInvalidLoad = errors.NewError(errors.ErrCodeInvalidLoad, "invalid load metrics")

// CapacityController provisions the managed pool. The scaler decides; the
// controller performs the I/O.
type CapacityController interface {
	CurrentInstances(ctx context.Context) (int, error)
	SetInstances(ctx context.Context, n int) error
}

// LoadSource supplies the metrics read on each control loop tick.
type LoadSource interface {
	Load(ctx context.Context) (LoadMetrics, error)
}

// LoadSourceFunc adapts a function to LoadSource.
type LoadSourceFunc func(ctx context.Context) (LoadMetrics, error)

// Load calls f.
func (f LoadSourceFunc) Load(ctx context.Context) (LoadMetrics, error) {
	return f(ctx)
}

// LoadMetrics is one reading of system load. Health is optional; empty means
// no performance signal is available.
type LoadMetrics struct {
	CPUPercent    float64        `json:"cpu_percent"`
	MemoryPercent float64        `json:"memory_percent"`
	Health        metrics.Health `json:"health,omitempty"`
}

// Validate rejects readings the scaler must not act on.
func (l LoadMetrics) Validate() error {
	for name, v := range map[string]float64{"cpu_percent": l.CPUPercent, "memory_percent": l.MemoryPercent} {
		if math.IsNaN(v) || v < 0 || v > 100 {
			return errors.Newf(errors.ErrCodeInvalidLoad, "%s must be within [0, 100], got %v", name, v).
				WithComponent("autoscaler")
		}
	}
	switch l.Health {
	case "", metrics.HealthHealthy, metrics.HealthWarning, metrics.HealthCritical:
	default:
		return errors.Newf(errors.ErrCodeInvalidLoad, "unknown health %q", l.Health).
			WithComponent("autoscaler")
	}
	return nil
}

// Decision records one evaluation. From and To are equal unless the action
// was applied.
type Decision struct {
	ID             string      `json:"id"`
	Action         Action      `json:"action"`
	From           int         `json:"from"`
	To             int         `json:"to"`
	Reason         string      `json:"reason"`
	CooldownActive bool        `json:"cooldown_active"`
	Applied        bool        `json:"applied"`
	Error          string      `json:"error,omitempty"`
	Load           LoadMetrics `json:"load"`
	Timestamp      time.Time   `json:"timestamp"`
}

// State is an immutable snapshot of the managed pool.
type State struct {
	CurrentInstances int           `json:"current_instances"`
	MinInstances     int           `json:"min_instances"`
	MaxInstances     int           `json:"max_instances"`
	LastScaleAction  time.Time     `json:"last_scale_action,omitempty"`
	CooldownPeriod   time.Duration `json:"cooldown_period"`
}

// CooldownRemaining reports how long until another action is allowed.
func (s State) CooldownRemaining(now time.Time) time.Duration {
	if s.LastScaleAction.IsZero() {
		return 0
	}
	if left := s.CooldownPeriod - now.Sub(s.LastScaleAction); left > 0 {
		return left
	}
	return 0
}

// Config configures the auto-scaler
type Config struct {
	MinInstances       int
	MaxInstances       int
	ScaleStep          int
	CooldownPeriod     time.Duration
	EvaluationInterval time.Duration

	// A metric strictly above its scale-up threshold triggers scale up
	ScaleUpCPUPct float64
	ScaleUpMemPct float64

	// All metrics strictly below their scale-down thresholds allow scale down
	ScaleDownCPUPct float64
	ScaleDownMemPct float64

	// Treat critical performance health as a scale-up signal
	ScaleUpOnCritical bool

	// Decisions kept for History
	HistorySize int

	// Time source; wall clock when nil
	Clock clock.Clock
}

// Validate checks the bounds. An invalid configuration must stop startup.
func (c Config) Validate() error {
	var problems []string
	if c.MinInstances < 0 {
		problems = append(problems, "min instances must not be negative")
	}
	if c.MaxInstances <= 0 {
		problems = append(problems, "max instances must be greater than 0")
	}
	if c.MinInstances > c.MaxInstances {
		problems = append(problems, fmt.Sprintf("min instances (%d) exceeds max instances (%d)", c.MinInstances, c.MaxInstances))
	}
	if c.ScaleStep <= 0 {
		problems = append(problems, "scale step must be greater than 0")
	}
	if c.CooldownPeriod < 0 {
		problems = append(problems, "cooldown period must not be negative")
	}
	if c.ScaleDownCPUPct >= c.ScaleUpCPUPct || c.ScaleDownMemPct >= c.ScaleUpMemPct {
		problems = append(problems, "scale-down thresholds must be below scale-up thresholds")
	}
	if len(problems) > 0 {
		return errors.NewError(errors.ErrCodeConfigValidation, strings.Join(problems, "; ")).
			WithComponent("autoscaler")
	}
	return nil
}

// AutoScaler adjusts the managed instance count within bounds.
//
// Evaluations are serialized by evalMu and are the only writers of the
// state, which is published through an atomic pointer so readers never block
// on an evaluation that is waiting on the capacity backend.
type AutoScaler struct {
	config     Config
	clock      clock.Clock
	controller CapacityController
	logger     *zap.Logger
	collector  *metrics.Collector

	evalMu sync.Mutex
	state  atomic.Pointer[State]

	histMu   sync.Mutex
	history  []Decision
	histNext int
	histFull bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an auto-scaler. The pool starts at MinInstances until Sync or
// Start reads the controller.
func New(config Config, controller CapacityController, logger *zap.Logger, collector *metrics.Collector) (*AutoScaler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if controller == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "capacity controller is required").
			WithComponent("autoscaler")
	}
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = 30 * time.Second
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &AutoScaler{
		config:     config,
		clock:      clock.OrReal(config.Clock),
		controller: controller,
		logger:     logger.Named("autoscaler"),
		collector:  collector,
		history:    make([]Decision, config.HistorySize),
	}
	a.state.Store(&State{
		CurrentInstances: config.MinInstances,
		MinInstances:     config.MinInstances,
		MaxInstances:     config.MaxInstances,
		CooldownPeriod:   config.CooldownPeriod,
	})
	return a, nil
}

// State returns the current snapshot.
func (a *AutoScaler) State() State {
	return *a.state.Load()
}

// Sync reads the provisioned capacity and adopts it. A value outside the
// bounds is clamped and written back to the controller.
func (a *AutoScaler) Sync(ctx context.Context) error {
	a.evalMu.Lock()
	defer a.evalMu.Unlock()

	n, err := a.controller.CurrentInstances(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCapacityRead, "failed to read current instances").
			WithComponent("autoscaler").
			WithOperation("sync")
	}

	clamped := a.clamp(n)
	if clamped != n {
		a.logger.Warn("provisioned capacity outside bounds, correcting",
			zap.Int("observed", n),
			zap.Int("target", clamped))
		if err := a.controller.SetInstances(ctx, clamped); err != nil {
			return errors.Wrap(err, errors.ErrCodeCapacityUpdate, "failed to clamp instances into bounds").
				WithComponent("autoscaler").
				WithOperation("sync")
		}
	}

	next := *a.state.Load()
	next.CurrentInstances = clamped
	a.state.Store(&next)
	a.collector.SetInstances(clamped, next.MinInstances, next.MaxInstances)
	return nil
}

// Evaluate applies the decision rule to load. Invalid load returns an error
// wrapping ErrInvalidLoad and takes no action. Holding steady, including
// while the cooldown is active, is not an error.
func (a *AutoScaler) Evaluate(ctx context.Context, load LoadMetrics) (Decision, error) {
	a.evalMu.Lock()
	defer a.evalMu.Unlock()

	now := a.clock.Now()
	cur := *a.state.Load()
	d := Decision{
		ID:        uuid.NewString(),
		Action:    ActionNone,
		From:      cur.CurrentInstances,
		To:        cur.CurrentInstances,
		Load:      load,
		Timestamp: now,
	}

	if err := load.Validate(); err != nil {
		d.Reason = "invalid load"
		d.Error = err.Error()
		a.remember(d)
		a.logger.Warn("skipping evaluation", zap.Error(err))
		return d, err
	}

	action, reason := a.decide(cur, load)
	d.Reason = reason
	if action == ActionNone {
		a.remember(d)
		return d, nil
	}

	if left := cur.CooldownRemaining(now); left > 0 {
		d.CooldownActive = true
		d.Reason = fmt.Sprintf("%s; cooldown active for %s", reason, left)
		a.remember(d)
		a.logger.Debug("scale action suppressed by cooldown",
			zap.String("action", string(action)),
			zap.Duration("remaining", left))
		return d, nil
	}

	target := cur.CurrentInstances + a.config.ScaleStep
	if action == ActionScaleDown {
		target = cur.CurrentInstances - a.config.ScaleStep
	}
	target = a.clamp(target)
	d.Action = action

	if err := a.controller.SetInstances(ctx, target); err != nil {
		d.Error = err.Error()
		a.remember(d)
		a.logger.Error("capacity update failed",
			zap.String("action", string(action)),
			zap.Int("from", cur.CurrentInstances),
			zap.Int("to", target),
			zap.Error(err))
		return d, errors.Wrap(err, errors.ErrCodeCapacityUpdate, "failed to set instances").
			WithComponent("autoscaler").
			WithOperation("evaluate").
			WithDetail("target", target)
	}

	next := cur
	next.CurrentInstances = target
	next.LastScaleAction = now
	a.state.Store(&next)

	d.To = target
	d.Applied = true
	a.remember(d)

	a.collector.SetInstances(target, next.MinInstances, next.MaxInstances)
	a.collector.RecordScaleAction(string(action))
	a.logger.Info("scaled instance pool",
		zap.String("decision_id", d.ID),
		zap.String("action", string(action)),
		zap.Int("from", d.From),
		zap.Int("to", d.To),
		zap.String("reason", reason))
	return d, nil
}

// decide returns the action the load calls for, ignoring cooldown.
func (a *AutoScaler) decide(cur State, load LoadMetrics) (Action, string) {
	c := a.config

	var up []string
	if load.CPUPercent > c.ScaleUpCPUPct {
		up = append(up, fmt.Sprintf("cpu %.1f%% > %.1f%%", load.CPUPercent, c.ScaleUpCPUPct))
	}
	if load.MemoryPercent > c.ScaleUpMemPct {
		up = append(up, fmt.Sprintf("memory %.1f%% > %.1f%%", load.MemoryPercent, c.ScaleUpMemPct))
	}
	if c.ScaleUpOnCritical && load.Health == metrics.HealthCritical {
		up = append(up, "performance health critical")
	}

	if len(up) > 0 {
		if cur.CurrentInstances >= cur.MaxInstances {
			return ActionNone, "at maximum instances; " + strings.Join(up, ", ")
		}
		return ActionScaleUp, strings.Join(up, ", ")
	}

	idle := load.CPUPercent < c.ScaleDownCPUPct &&
		load.MemoryPercent < c.ScaleDownMemPct &&
		load.Health != metrics.HealthWarning &&
		load.Health != metrics.HealthCritical
	if idle {
		reason := fmt.Sprintf("cpu %.1f%% < %.1f%%, memory %.1f%% < %.1f%%",
			load.CPUPercent, c.ScaleDownCPUPct, load.MemoryPercent, c.ScaleDownMemPct)
		if cur.CurrentInstances <= cur.MinInstances {
			return ActionNone, "at minimum instances; " + reason
		}
		return ActionScaleDown, reason
	}

	return ActionNone, "load within thresholds"
}

func (a *AutoScaler) clamp(n int) int {
	if n < a.config.MinInstances {
		return a.config.MinInstances
	}
	if n > a.config.MaxInstances {
		return a.config.MaxInstances
	}
	return n
}

func (a *AutoScaler) remember(d Decision) {
	a.histMu.Lock()
	defer a.histMu.Unlock()

	a.history[a.histNext] = d
	a.histNext++
	if a.histNext == len(a.history) {
		a.histNext = 0
		a.histFull = true
	}
}

// History returns up to n of the most recent decisions, newest first. n <= 0
// returns everything retained.
func (a *AutoScaler) History(n int) []Decision {
	a.histMu.Lock()
	defer a.histMu.Unlock()

	size := a.histNext
	if a.histFull {
		size = len(a.history)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Decision, 0, n)
	idx := a.histNext
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(a.history) - 1
		}
		out = append(out, a.history[idx])
	}
	return out
}

// Start syncs with the controller and runs the control loop until Stop or
// ctx is cancelled.
func (a *AutoScaler) Start(ctx context.Context, source LoadSource) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.cancel != nil {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "autoscaler already started").
			WithComponent("autoscaler")
	}
	if source == nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "load source is required").
			WithComponent("autoscaler")
	}
	if err := a.Sync(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(ctx, source, a.done)

	st := a.State()
	a.logger.Info("autoscaler started",
		zap.Int("instances", st.CurrentInstances),
		zap.Int("min", st.MinInstances),
		zap.Int("max", st.MaxInstances),
		zap.Duration("interval", a.config.EvaluationInterval))
	return nil
}

// Stop cancels the control loop and waits for it to exit. An evaluation in
// progress sees a cancelled context; pending ticks are dropped.
func (a *AutoScaler) Stop() {
	a.runMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.logger.Info("autoscaler stopped")
}

func (a *AutoScaler) loop(ctx context.Context, source LoadSource, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			a.tick(ctx, source)
		}
	}
}

// tick runs one control loop iteration. Errors are logged and the tick is skipped.
func (a *AutoScaler) tick(ctx context.Context, source LoadSource) {
	load, err := source.Load(ctx)
	if err != nil {
		a.logger.Warn("load metrics unavailable, skipping tick", zap.Error(err))
		return
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := a.Evaluate(ctx, load); err != nil && ctx.Err() == nil {
		a.logger.Warn("evaluation failed", zap.Error(err))
	}
}
