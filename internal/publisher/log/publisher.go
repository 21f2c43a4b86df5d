// Package log provides a publisher that writes job events to the service log.
// It is the default when no message broker is configured.
package log

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Publisher logs each payload at info level.
type Publisher struct {
	logger *zap.Logger
	seq    atomic.Uint64
}

// New returns a log Publisher.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger}
}

// Publish logs the event and returns a sequential pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	id := fmt.Sprintf("log-%d", p.seq.Add(1))
	p.logger.Info("job event",
		zap.String("topic", topic),
		zap.String("message_id", id),
		zap.Any("payload", payload),
	)
	return id, nil
}
