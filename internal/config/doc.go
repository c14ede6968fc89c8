/*
Package config provides configuration for the scalecore resilience layer.

Values are resolved in three layers, lowest priority first:

	compiled-in defaults   (NewDefault)
	YAML configuration file (LoadFromFile)
	environment variables   (LoadFromEnv, SCALECORE_*)

Example file:

	circuit:
	  failure_threshold: 5
	  recovery_timeout: 30s
	scaling:
	  min_instances: 2
	  max_instances: 10
	  scale_step: 2
	  cooldown_period: 5m
	  scale_up_cpu_pct: 80
	  scale_down_cpu_pct: 30
	monitor:
	  retention_window_size: 1000
	  budgets:
	    api:
	      warning_p95_ms: 500
	      critical_p95_ms: 1000

Validate must succeed before any control loop starts; an invalid bound such as
min_instances > max_instances is a startup failure (CONFIG_VALIDATION), never
something discovered while the scaler is running.
*/
package config
