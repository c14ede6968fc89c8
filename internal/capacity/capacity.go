// Package capacity provides the provisioning backends the auto-scaler drives.
package capacity

import (
	"context"

	"go.uber.org/zap"

	"github.com/dealvault/scalecore/internal/config"
	"github.com/dealvault/scalecore/internal/scaling"
	"github.com/dealvault/scalecore/pkg/errors"
)

var (
	_ scaling.CapacityController = (*Static)(nil)
	_ scaling.CapacityController = (*ASG)(nil)
)

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.CapacityConfig, logger *zap.Logger) (scaling.CapacityController, error) {
	switch cfg.Backend {
	case "", "static":
		return NewStatic(cfg.InitialInstances, logger), nil
	case "asg":
		return NewASG(ctx, cfg.ASG, logger)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown capacity backend %q", cfg.Backend).
			WithComponent("capacity")
	}
}
