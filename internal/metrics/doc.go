/*
Package metrics aggregates operation latency and outcome per category and
exports the resilience layer's signals to Prometheus.

# Overview

	┌───────────┐  Record   ┌──────────────┐  Snapshot/Health  ┌────────────┐
	│  callers  │ ────────▶ │   Monitor    │ ────────────────▶ │ AutoScaler │
	└───────────┘           │ per-category │                   │  operators │
	                        │ ring windows │                   └────────────┘
	                        └──────┬───────┘
	                               │ ObserveSample
	                        ┌──────▼───────┐
	                        │  Collector   │ ◀── breakers, scaler
	                        │  Prometheus  │
	                        └──────────────┘

# Monitor

Each category keeps a fixed-size ring of its most recent samples plus
lifetime totals. Record never fails and never blocks on another category:

	mon := metrics.NewMonitor(metrics.MonitorConfig{
		WindowSize:    1000,
		MaxCategories: 64,
		IdleTTL:       time.Hour,
		DefaultBudget: metrics.Budget{
			WarningErrorRate:  0.05,
			CriticalErrorRate: 0.10,
			WarningP95Millis:  1000,
			CriticalP95Millis: 2000,
		},
	}, logger, collector)

	done := mon.Track("database")
	err := db.Query(ctx, q)
	done(err == nil)

Category names are trimmed and lowercased. Names that are empty, longer than
64 bytes or contain characters outside [a-z0-9._-] are recorded under
"unknown", as are new names once MaxCategories is reached.

Percentiles use the sorted window and the sample at index floor(n*p),
clamped to n-1. With fewer than 20 samples, p95 and p99 report the window
maximum.

Health per category is critical when the window error rate or p95 reaches the
critical budget, warning when it reaches the warning budget, and healthy
otherwise. The monitor's overall health is its worst category.

# Collector

The collector owns a private registry. Exported series (namespace prefix
omitted):

	operations_total{category,status}
	operation_duration_seconds{category}
	category_health{category}
	category_evictions_total
	circuit_state{dependency}
	circuit_transitions_total{dependency,from,to}
	circuit_rejections_total{dependency,state}
	instances
	instance_bounds{bound}
	scale_actions_total{action}

A nil or disabled collector accepts every call and records nothing.
*/
package metrics
