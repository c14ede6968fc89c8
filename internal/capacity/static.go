package capacity

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dealvault/scalecore/pkg/errors"
)

// Static is an in-process capacity backend for development and tests. It
// remembers the requested size and provisions nothing.
type Static struct {
	mu     sync.Mutex
	n      int
	logger *zap.Logger
}

// NewStatic returns a backend reporting initial instances.
func NewStatic(initial int, logger *zap.Logger) *Static {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Static{n: initial, logger: logger.Named("capacity.static")}
}

// CurrentInstances returns the last size set.
func (s *Static) CurrentInstances(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n, nil
}

// SetInstances records n.
func (s *Static) SetInstances(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n < 0 {
		return errors.Newf(errors.ErrCodeCapacityUpdate, "instance count must not be negative, got %d", n).
			WithComponent("capacity.static")
	}

	s.mu.Lock()
	prev := s.n
	s.n = n
	s.mu.Unlock()

	s.logger.Info("desired capacity changed", zap.Int("from", prev), zap.Int("to", n))
	return nil
}
