package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/internal/config"
)

// NATSSink publishes facts to a NATS JetStream stream. Facts go to
// "{subject}.{status}.{kind}", so a notifier that only acts on settled
// money can subscribe to "{subject}.confirmed.>".
type NATSSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
	logger  *zap.Logger

	stats struct {
		published atomic.Uint64
		errors    atomic.Uint64
	}
}

// NewNATSSink connects to NATS and ensures the stream exists.
func NewNATSSink(ctx context.Context, cfg config.NATSPublisherConfig, logger *zap.Logger) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: no NATS URL configured", ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("ledger-indexer-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s := &NATSSink{
		nc:      nc,
		js:      js,
		subject: cfg.Subject,
		logger:  logger.With(zap.String("component", "nats-sink")),
	}

	if err := s.ensureStream(ctx, cfg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	s.logger.Info("nats sink ready",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.Stream),
		zap.String("subject", cfg.Subject))
	return s, nil
}

// ensureStream creates the JetStream stream if it does not exist.
func (s *NATSSink) ensureStream(ctx context.Context, cfg config.NATSPublisherConfig) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.js.Stream(ctx, cfg.Stream); err == nil {
		return nil
	}

	s.logger.Info("creating JetStream stream", zap.String("stream", cfg.Stream))
	_, err := s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Ledger change facts",
		Subjects:    []string{cfg.Subject + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish writes one fact to the stream.
func (s *NATSSink) Publish(ctx context.Context, fact *Fact) error {
	data, err := json.Marshal(fact)
	if err != nil {
		s.stats.errors.Add(1)
		return fmt.Errorf("failed to marshal fact: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", s.subject, fact.Status, fact.Kind)
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		s.stats.errors.Add(1)
		return fmt.Errorf("failed to publish fact: %w", err)
	}

	s.stats.published.Add(1)
	return nil
}

// Close closes the NATS connection.
func (s *NATSSink) Close(ctx context.Context) error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("nats sink closed",
			zap.Uint64("published", s.stats.published.Load()),
			zap.Uint64("errors", s.stats.errors.Load()))
	}
	return nil
}
