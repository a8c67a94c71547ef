package publish

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/internal/config"
)

// NewSink builds the configured sink. "fanout" composes the local bus
// with every distributed sink whose endpoint is configured. The second
// return is the in-process bus when the chain includes one, so callers
// can wire it into the ops surface; it is nil for pure remote sinks.
func NewSink(ctx context.Context, cfg config.PublisherConfig, logger *zap.Logger) (Sink, *LocalBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case "", "local":
		bus := NewLocalBus(cfg.Local.BufferSize)
		return bus, bus, nil
	case "kafka":
		s, err := NewKafkaSink(cfg.Kafka, logger)
		return s, nil, err
	case "redis":
		s, err := NewRedisSink(ctx, cfg.Redis, logger)
		return s, nil, err
	case "nats":
		s, err := NewNATSSink(ctx, cfg.NATS, logger)
		return s, nil, err
	case "fanout":
		return newFanoutFromConfig(ctx, cfg, logger)
	default:
		return nil, nil, fmt.Errorf("%w: unknown sink type %q", ErrInvalidConfiguration, cfg.Type)
	}
}

func newFanoutFromConfig(ctx context.Context, cfg config.PublisherConfig, logger *zap.Logger) (Sink, *LocalBus, error) {
	bus := NewLocalBus(cfg.Local.BufferSize)
	sinks := []Sink{bus}

	if len(cfg.Kafka.Brokers) > 0 {
		s, err := NewKafkaSink(cfg.Kafka, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Redis.Addr != "" {
		s, err := NewRedisSink(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.NATS.URL != "" {
		s, err := NewNATSSink(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}

	return NewFanout(sinks...), bus, nil
}
