package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/internal/config"
)

// RedisSink broadcasts facts over Redis pub/sub. Each fact goes to
// "{channel}:{kind}" so consumers can pattern-subscribe to the kinds
// they care about.
type RedisSink struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	stats struct {
		published atomic.Uint64
		errors    atomic.Uint64
	}
}

// NewRedisSink creates a Redis sink and verifies the connection.
func NewRedisSink(ctx context.Context, cfg config.RedisPublisherConfig, logger *zap.Logger) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: no Redis address configured", ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &RedisSink{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.With(zap.String("component", "redis-sink")),
	}
	s.logger.Info("redis sink ready",
		zap.String("addr", cfg.Addr),
		zap.String("channel", cfg.Channel))
	return s, nil
}

// Publish broadcasts one fact.
func (s *RedisSink) Publish(ctx context.Context, fact *Fact) error {
	data, err := json.Marshal(fact)
	if err != nil {
		s.stats.errors.Add(1)
		return fmt.Errorf("failed to marshal fact: %w", err)
	}

	channel := fmt.Sprintf("%s:%s", s.channel, fact.Kind)
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		s.stats.errors.Add(1)
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	s.stats.published.Add(1)
	return nil
}

// Close closes the Redis client.
func (s *RedisSink) Close(ctx context.Context) error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	s.logger.Info("redis sink closed",
		zap.Uint64("published", s.stats.published.Load()),
		zap.Uint64("errors", s.stats.errors.Load()))
	return nil
}
