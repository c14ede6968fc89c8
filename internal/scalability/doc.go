/*
Package scalability wires the resilience layer together.

A Manager owns one performance monitor, one circuit breaker per external
dependency and one auto-scaler, all built from a single validated
configuration. It is the only component allowed to talk to the cache and
capacity collaborators; the cache is always reached through the "cache"
breaker.

	cfg, _ := config.Load("scalecore.yaml")
	mgr, err := scalability.New(cfg, scalability.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	defer mgr.Shutdown(context.Background())

	r := chi.NewRouter()
	r.Mount("/", mgr.Routes())
	r.With(mgr.Middleware("api")).Get("/v1/orders", ordersHandler)

Lifecycle:

  - New validates the configuration and fails on any problem
  - Initialize starts the monitor's retention loop, the scaling control loop
    when scaling.enabled is set, and the status publisher when the cache
    supports it
  - Shutdown stops every loop and waits for them to exit

Record, Snapshot, Call and Evaluate are safe for concurrent use at any point
in the lifecycle.
*/
package scalability
