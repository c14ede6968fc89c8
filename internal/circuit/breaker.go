package circuit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dealvault/scalecore/pkg/clock"
	"github.com/dealvault/scalecore/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit breaker is closed, requests pass through
	StateClosed State = iota
	// StateOpen - circuit breaker is open, requests are rejected
	StateOpen
	// StateHalfOpen - a single probe is allowed through to test recovery
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures in the closed state that open the breaker
	FailureThreshold int `yaml:"failure_threshold"`

	// Time after opening before the next call is admitted as a probe
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// Function called after every state change, outside the breaker lock
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// Function to determine if an error should be counted as a failure
	IsSuccessful func(err error) bool `yaml:"-"`

	// Time source; wall clock when nil
	Clock clock.Clock `yaml:"-"`
}

// Counts holds lifetime request totals for one breaker
type Counts struct {
	Requests            uint64    `json:"requests"`
	TotalSuccesses      uint64    `json:"total_successes"`
	TotalFailures       uint64    `json:"total_failures"`
	Rejections          uint64    `json:"rejections"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastActivity        time.Time `json:"last_activity"`
}

var (
	// ErrOpenState is matched by rejections issued while the breaker is open
	ErrOpenState = errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is open")

	// ErrTooManyRequests is matched by rejections issued while a half-open probe is in flight
	ErrTooManyRequests = errors.NewError(errors.ErrCodeProbeInFlight, "circuit breaker probe already in flight")
)

// RejectedError is returned when the breaker refuses a call without invoking it.
type RejectedError struct {
	Dependency string        `json:"dependency"`
	State      State         `json:"state"`
	RetryAfter time.Duration `json:"retry_after"`
}

func (e *RejectedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit %q %s: rejected, retry after %s", e.Dependency, e.State, e.RetryAfter)
	}
	return fmt.Sprintf("circuit %q %s: rejected", e.Dependency, e.State)
}

// Unwrap exposes ErrOpenState or ErrTooManyRequests so callers can use errors.Is.
func (e *RejectedError) Unwrap() error {
	if e.State == StateHalfOpen {
		return ErrTooManyRequests
	}
	return ErrOpenState
}

// IsRejected reports whether err came from a breaker refusing the call, as
// opposed to the wrapped operation failing.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

type transition struct {
	from, to State
}

// CircuitBreaker implements the circuit breaker pattern.
//
// The state mutex is never held while the wrapped operation runs. Admission of
// the half-open probe is decided by a compare-and-swap on probing, so at most
// one probe is in flight per breaker.
type CircuitBreaker struct {
	name   string
	config Config
	clock  clock.Clock

	mu         sync.Mutex
	state      State
	counts     Counts
	openedAt   time.Time
	generation uint64
	pending    []transition

	probing atomic.Bool
}

// NewCircuitBreaker creates a new circuit breaker instance
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		clock:  clock.OrReal(config.Clock),
		state:  StateClosed,
	}
}

// defaultIsSuccessful is the default function to determine if a result is successful
func defaultIsSuccessful(err error) bool {
	return err == nil
}

// Call runs op if the breaker admits it. A refused call returns a
// *RejectedError and op is not invoked; otherwise op's error is returned
// unchanged.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(context.Context) error) (err error) {
	generation, probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, probe, false)
			panic(r)
		}
	}()

	err = op(ctx)
	cb.afterRequest(generation, probe, cb.config.IsSuccessful(err))
	return err
}

// Execute runs op through the breaker and returns its value.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Call(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		result = v
		return err
	})
	return result, err
}

// beforeRequest decides admission. probe is true when the caller holds the
// half-open probe slot and must release it in afterRequest.
func (cb *CircuitBreaker) beforeRequest() (generation uint64, probe bool, err error) {
	for {
		cb.mu.Lock()
		now := cb.clock.Now()
		switch cb.currentState(now) {
		case StateClosed:
			cb.counts.onRequest(now)
			generation = cb.generation
			cb.unlock()
			return generation, false, nil
		case StateOpen:
			err = cb.reject(StateOpen, cb.config.RecoveryTimeout-now.Sub(cb.openedAt))
			cb.unlock()
			return 0, false, err
		}
		cb.unlock()

		if !cb.probing.CompareAndSwap(false, true) {
			cb.mu.Lock()
			err = cb.reject(StateHalfOpen, 0)
			cb.unlock()
			return 0, false, err
		}

		cb.mu.Lock()
		if cb.state == StateHalfOpen {
			cb.counts.onRequest(cb.clock.Now())
			generation = cb.generation
			cb.unlock()
			return generation, true, nil
		}
		// The previous probe finished between the state read and the swap.
		cb.unlock()
		cb.probing.Store(false)
	}
}

// afterRequest folds the outcome into the state. Results from an older
// generation (the breaker changed state or was reset meanwhile) are ignored.
func (cb *CircuitBreaker) afterRequest(generation uint64, probe bool, success bool) {
	cb.mu.Lock()
	now := cb.clock.Now()
	if generation == cb.generation {
		if success {
			cb.onSuccess(now)
		} else {
			cb.onFailure(now)
		}
	}
	cb.unlock()

	if probe {
		cb.probing.Store(false)
	}
}

func (cb *CircuitBreaker) reject(state State, retryAfter time.Duration) error {
	cb.counts.Rejections++
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &RejectedError{Dependency: cb.name, State: state, RetryAfter: retryAfter}
}

// onSuccess handles successful requests
func (cb *CircuitBreaker) onSuccess(now time.Time) {
	cb.counts.onSuccess(now)

	switch cb.state {
	case StateClosed:
		cb.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		cb.setState(StateClosed, now)
	}
}

// onFailure handles failed requests
func (cb *CircuitBreaker) onFailure(now time.Time) {
	cb.counts.onFailure(now)

	switch cb.state {
	case StateClosed:
		cb.counts.ConsecutiveFailures++
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// currentState applies the passive open to half-open transition. It is only
// reached from an incoming call, never from a read.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

// setState changes the state of the circuit breaker. Must be called with mu held.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	prev := cb.state
	if prev == state {
		return
	}

	cb.state = state
	cb.generation++

	switch state {
	case StateClosed:
		cb.counts.ConsecutiveFailures = 0
		cb.openedAt = time.Time{}
	case StateOpen:
		cb.openedAt = now
	}

	cb.pending = append(cb.pending, transition{from: prev, to: state})
}

// unlock releases mu and then reports queued transitions, so the hook may
// read the breaker without deadlocking.
func (cb *CircuitBreaker) unlock() {
	pending := cb.pending
	cb.pending = nil
	cb.mu.Unlock()

	if cb.config.OnStateChange == nil {
		return
	}
	for _, t := range pending {
		cb.config.OnStateChange(cb.name, t.from, t.to)
	}
}

// State returns the stored state without applying the recovery transition.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns a copy of the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Stats returns a consistent snapshot of the breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:             cb.name,
		State:            cb.state,
		FailureThreshold: cb.config.FailureThreshold,
		RecoveryTimeout:  cb.config.RecoveryTimeout,
		ProbeInFlight:    cb.probing.Load(),
		Counts:           cb.counts,
	}
	if cb.state == StateOpen {
		openedAt := cb.openedAt
		s.OpenedAt = &openedAt
	}
	return s
}

// Reset returns the breaker to closed. In-flight results are discarded.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.setState(StateClosed, cb.clock.Now())
	cb.counts.ConsecutiveFailures = 0
	cb.generation++
	cb.unlock()
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Methods for Counts struct

func (c *Counts) onRequest(now time.Time) {
	c.Requests++
	c.LastActivity = now
}

func (c *Counts) onSuccess(now time.Time) {
	c.TotalSuccesses++
	c.LastActivity = now
}

func (c *Counts) onFailure(now time.Time) {
	c.TotalFailures++
	c.LastActivity = now
}

// Stats represents a snapshot of a single circuit breaker
type Stats struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	OpenedAt         *time.Time    `json:"opened_at,omitempty"`
	ProbeInFlight    bool          `json:"probe_in_flight"`
	Counts           Counts        `json:"counts"`
}

// Manager manages one circuit breaker per dependency name
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewManager creates a new circuit breaker manager
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Breaker gets or creates the circuit breaker for a dependency
func (m *Manager) Breaker(name string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, exists := m.breakers[name]; exists {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check in case another goroutine created it
	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	breaker := NewCircuitBreaker(name, m.config)
	m.breakers[name] = breaker
	return breaker
}

// Call runs op through the breaker guarding dependency.
func (m *Manager) Call(ctx context.Context, dependency string, op func(context.Context) error) error {
	return m.Breaker(dependency).Call(ctx, op)
}

func (m *Manager) snapshot() []*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	return breakers
}

// Reset closes the named breaker. It reports false if no such breaker exists.
func (m *Manager) Reset(name string) bool {
	m.mu.RLock()
	breaker, ok := m.breakers[name]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	breaker.Reset()
	return true
}

// ResetAll resets all circuit breakers
func (m *Manager) ResetAll() {
	for _, breaker := range m.snapshot() {
		breaker.Reset()
	}
}

// Stats returns statistics for all circuit breakers
func (m *Manager) Stats() map[string]Stats {
	breakers := m.snapshot()

	stats := make(map[string]Stats, len(breakers))
	for _, breaker := range breakers {
		stats[breaker.Name()] = breaker.Stats()
	}
	return stats
}

// HealthCheck returns an error naming every open breaker
func (m *Manager) HealthCheck() error {
	var open []string
	for name, stat := range m.Stats() {
		if stat.State == StateOpen {
			open = append(open, name)
		}
	}

	if len(open) > 0 {
		sort.Strings(open)
		return errors.Newf(errors.ErrCodeServiceDegraded, "circuit breakers open: %s", strings.Join(open, ", ")).
			WithComponent("circuit").
			WithDetail("open", open)
	}

	return nil
}
