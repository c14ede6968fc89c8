package main

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dealvault/scalecore/internal/cache"
	"github.com/dealvault/scalecore/internal/capacity"
	"github.com/dealvault/scalecore/internal/config"
	"github.com/dealvault/scalecore/internal/logging"
	"github.com/dealvault/scalecore/internal/scalability"
	"github.com/dealvault/scalecore/pkg/errors"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the resilience layer and its HTTP endpoints",
		Long: "Load configuration, start the performance monitor and the scaling control loop, " +
			"and serve /healthz, /status, /metrics and the /v1 admin endpoints until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, v)
		},
	}

	cmd.Flags().String("addr", "", "override listen address (host:port)")
	cmd.Flags().String("capacity-backend", "", "capacity backend (static, asg)")
	cmd.Flags().Bool("scaling", true, "run the scaling control loop")
	cmd.Flags().Bool("cache", false, "publish status to the Redis cache")
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("capacity.backend", cmd.Flags().Lookup("capacity-backend"))
	_ = v.BindPFlag("scaling.enabled", cmd.Flags().Lookup("scaling"))
	_ = v.BindPFlag("cache.enabled", cmd.Flags().Lookup("cache"))

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if file := v.ConfigFileUsed(); file != "" {
		logger.Info("loaded configuration", zap.String("file", file))
	}

	mgr, cleanup, err := buildManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Mount("/", mgr.Routes())

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = mgr.Shutdown(context.Background())
		return errors.Wrap(err, errors.ErrCodeOperationFailed, "failed to listen").
			WithDetail("addr", cfg.Server.Addr)
	}

	srv := &http.Server{
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("serving", zap.String("addr", ln.Addr().String()))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("manager shutdown incomplete", zap.Error(err))
	}
	if serveErr != nil {
		return errors.Wrap(serveErr, errors.ErrCodeOperationFailed, "http server failed")
	}
	if err, ok := <-errCh; ok && err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationFailed, "http server failed")
	}
	logger.Info("stopped")
	return nil
}

// buildManager wires the capacity backend and the optional cache into a
// scalability manager. cleanup releases the cache connection.
func buildManager(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*scalability.Manager, func(), error) {
	controller, err := capacity.New(ctx, cfg.Capacity, logger)
	if err != nil {
		return nil, nil, err
	}

	opts := []scalability.Option{
		scalability.WithLogger(logger),
		scalability.WithCapacityController(controller),
	}
	cleanup := func() {}
	if cfg.Cache.Enabled {
		rc := cache.NewRedis(cfg.Cache, logger)
		opts = append(opts, scalability.WithCache(rc))
		cleanup = func() {
			if err := rc.Close(); err != nil {
				logger.Warn("failed to close cache", zap.Error(err))
			}
		}
	}

	mgr, err := scalability.New(cfg, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return mgr, cleanup, nil
}
