package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports the resilience layer's signals to Prometheus. Each
// collector owns its registry so tests and embedded hosts never collide on
// the global default registerer.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	// Performance monitor
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	categoryHealth  *prometheus.GaugeVec
	evictions       prometheus.Counter

	// Circuit breakers
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec
	circuitRejections  *prometheus.CounterVec

	// Auto-scaler
	instances      prometheus.Gauge
	instanceBounds *prometheus.GaugeVec
	scaleActions   *prometheus.CounterVec
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`

	// Register Go runtime and process collectors alongside the domain metrics
	RuntimeMetrics bool `yaml:"runtime_metrics"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "scalecore",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Enabled reports whether the collector exports anything.
func (c *Collector) Enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry returns the collector's registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.Enabled() {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveSample records one monitored operation.
func (c *Collector) ObserveSample(category string, durationMillis float64, success bool) {
	if !c.Enabled() {
		return
	}

	c.requestCounter.With(prometheus.Labels{
		"category": category,
		"status":   statusLabel(success),
	}).Inc()
	c.requestDuration.With(prometheus.Labels{
		"category": category,
	}).Observe(durationMillis / float64(time.Second/time.Millisecond))
}

// SetCategoryHealth publishes a category's health as 0 (healthy), 1 (warning) or 2 (critical).
func (c *Collector) SetCategoryHealth(category string, level int) {
	if !c.Enabled() {
		return
	}
	c.categoryHealth.WithLabelValues(category).Set(float64(level))
}

// ForgetCategory drops the series of an evicted category.
func (c *Collector) ForgetCategory(category string) {
	if !c.Enabled() {
		return
	}
	c.evictions.Inc()
	c.requestCounter.DeletePartialMatch(prometheus.Labels{"category": category})
	c.requestDuration.DeleteLabelValues(category)
	c.categoryHealth.DeleteLabelValues(category)
}

// RecordStateChange publishes a breaker transition. state is the numeric
// value of the new state (0 closed, 1 open, 2 half-open).
func (c *Collector) RecordStateChange(dependency, from, to string, state int) {
	if !c.Enabled() {
		return
	}
	c.circuitState.WithLabelValues(dependency).Set(float64(state))
	c.circuitTransitions.With(prometheus.Labels{
		"dependency": dependency,
		"from":       from,
		"to":         to,
	}).Inc()
}

// RecordRejection counts a call refused by a breaker.
func (c *Collector) RecordRejection(dependency, state string) {
	if !c.Enabled() {
		return
	}
	c.circuitRejections.WithLabelValues(dependency, state).Inc()
}

// SetInstances publishes the managed pool size and its bounds.
func (c *Collector) SetInstances(current, min, max int) {
	if !c.Enabled() {
		return
	}
	c.instances.Set(float64(current))
	c.instanceBounds.WithLabelValues("min").Set(float64(min))
	c.instanceBounds.WithLabelValues("max").Set(float64(max))
}

// RecordScaleAction counts an applied scaling decision.
func (c *Collector) RecordScaleAction(action string) {
	if !c.Enabled() {
		return
	}
	c.scaleActions.WithLabelValues(action).Inc()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "operations_total",
			Help:        "Total number of monitored operations",
			ConstLabels: labels,
		},
		[]string{"category", "status"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "operation_duration_seconds",
			Help:        "Duration of monitored operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			ConstLabels: labels,
		},
		[]string{"category"},
	)

	c.categoryHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "category_health",
			Help:        "Category health: 0 healthy, 1 warning, 2 critical",
			ConstLabels: labels,
		},
		[]string{"category"},
	)

	c.evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "category_evictions_total",
			Help:        "Idle categories evicted from the performance monitor",
			ConstLabels: labels,
		},
	)

	c.circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "circuit_state",
			Help:        "Circuit breaker state: 0 closed, 1 open, 2 half-open",
			ConstLabels: labels,
		},
		[]string{"dependency"},
	)

	c.circuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "circuit_transitions_total",
			Help:        "Circuit breaker state transitions",
			ConstLabels: labels,
		},
		[]string{"dependency", "from", "to"},
	)

	c.circuitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "circuit_rejections_total",
			Help:        "Calls rejected by a circuit breaker without being invoked",
			ConstLabels: labels,
		},
		[]string{"dependency", "state"},
	)

	c.instances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "instances",
			Help:        "Current size of the managed instance pool",
			ConstLabels: labels,
		},
	)

	c.instanceBounds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "instance_bounds",
			Help:        "Configured bounds of the managed instance pool",
			ConstLabels: labels,
		},
		[]string{"bound"},
	)

	c.scaleActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "scale_actions_total",
			Help:        "Scaling actions applied to the instance pool",
			ConstLabels: labels,
		},
		[]string{"action"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requestCounter,
		c.requestDuration,
		c.categoryHealth,
		c.evictions,
		c.circuitState,
		c.circuitTransitions,
		c.circuitRejections,
		c.instances,
		c.instanceBounds,
		c.scaleActions,
	}

	if c.config.RuntimeMetrics {
		metrics = append(metrics,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
