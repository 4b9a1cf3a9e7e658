// Package consumer provides the local consumers that receive payloads an
// xApp emits on the local path.
package consumer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/ix-interface/internal/ix"
)

// Kinds accepted by New.
const (
	KindLog   = "log"
	KindRedis = "redis"
)

// Message is the serialized form of a locally emitted envelope.
type Message struct {
	ID         string         `json:"id"`
	Sender     string         `json:"sender"`
	Payload    map[string]any `json:"payload"`
	ReceivedAt time.Time      `json:"received_at"`
}

// NewMessage captures env for publishing.
func NewMessage(env ix.Envelope) Message {
	return Message{
		ID:         env.ID,
		Sender:     env.Sender,
		Payload:    env.Payload,
		ReceivedAt: time.Now().UTC(),
	}
}

// Spec describes the consumer configured for one identity.
type Spec struct {
	Identity string
	Kind     string
	// Channel overrides the default redis channel.
	Channel string
}

// New builds the consumer described by spec. A redis consumer needs a
// non-nil publisher.
func New(spec Spec, publisher Publisher, logger zerolog.Logger) (ix.LocalConsumer, error) {
	switch spec.Kind {
	case KindLog, "":
		return NewLog(logger.With().Str("identity", spec.Identity).Logger()), nil
	case KindRedis:
		if publisher == nil {
			return nil, fmt.Errorf("consumer %s: redis consumer requires redis_url", spec.Identity)
		}
		channel := spec.Channel
		if channel == "" {
			channel = Channel(spec.Identity)
		}
		return NewRedis(publisher, channel), nil
	default:
		return nil, fmt.Errorf("consumer %s: unknown kind %q", spec.Identity, spec.Kind)
	}
}
