package consumer

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/omochice/ix-interface/internal/ix"
)

// Log writes every envelope to a zerolog logger.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a Log consumer.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "consumer").Logger()}
}

// Consume implements ix.LocalConsumer.
func (l *Log) Consume(ctx context.Context, env ix.Envelope) error {
	l.logger.Info().
		Str("id", env.ID).
		Str("sender", env.Sender).
		Interface("payload", env.Payload).
		Msg("local message")
	return nil
}
