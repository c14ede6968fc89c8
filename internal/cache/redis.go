package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dealvault/scalecore/internal/config"
	"github.com/dealvault/scalecore/pkg/errors"
)

// Client is the subset of the go-redis API the adapter uses.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Redis is the cache collaborator seen by the resilience layer: a health
// probe plus a slot where the latest status snapshot is published for other
// replicas and operator tooling.
type Redis struct {
	client    Client
	closer    func() error
	statusKey string
	statusTTL time.Duration
	logger    *zap.Logger
}

// NewRedis connects a go-redis client for cfg. The connection is lazy; the
// first Ping reports reachability.
func NewRedis(cfg config.CacheConfig, logger *zap.Logger) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.PingTimeout,
		ReadTimeout:  cfg.PingTimeout,
		WriteTimeout: cfg.PingTimeout,
	})
	r := NewRedisWithClient(rdb, cfg.StatusKey, cfg.StatusTTL, logger)
	r.closer = rdb.Close
	return r
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client Client, statusKey string, statusTTL time.Duration, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if statusKey == "" {
		statusKey = "scalecore:status"
	}
	return &Redis{
		client:    client,
		statusKey: statusKey,
		statusTTL: statusTTL,
		logger:    logger.Named("cache"),
	}
}

// Ping checks that the cache answers.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationFailed, "cache ping failed").
			WithComponent("cache").
			WithOperation("ping")
	}
	return nil
}

// PublishStatus stores v as JSON under the status key.
func (r *Redis) PublishStatus(ctx context.Context, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode status").
			WithComponent("cache")
	}
	if err := r.client.Set(ctx, r.statusKey, payload, r.statusTTL).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationFailed, "failed to publish status").
			WithComponent("cache").
			WithOperation("publish").
			WithDetail("key", r.statusKey)
	}
	r.logger.Debug("status published", zap.String("key", r.statusKey), zap.Int("bytes", len(payload)))
	return nil
}

// LoadStatus decodes the last published status into v. It reports false when
// nothing is published.
func (r *Redis) LoadStatus(ctx context.Context, v interface{}) (bool, error) {
	payload, err := r.client.Get(ctx, r.statusKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeOperationFailed, "failed to load status").
			WithComponent("cache").
			WithOperation("load")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternalError, "failed to decode status").
			WithComponent("cache")
	}
	return true, nil
}

// Close releases the connection pool when the adapter owns it.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
