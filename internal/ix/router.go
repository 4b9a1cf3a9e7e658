package ix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/ix-interface/internal/metrics"
	"github.com/omochice/ix-interface/internal/relation"
	"github.com/omochice/ix-interface/pkg/protocol"
)

// Mode selects where an envelope is routed.
type Mode int

const (
	ModeLocal Mode = iota
	ModeRelation
)

// String returns the string representation of Mode
func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// Envelope is one unit of data in flight. It exists only while routing.
type Envelope struct {
	ID         string
	Sender     string
	Mode       Mode
	RelationID string
	Payload    map[string]any
}

// LocalConsumer receives envelopes emitted on the local path by the xApp it
// is registered for.
type LocalConsumer interface {
	Consume(ctx context.Context, env Envelope) error
}

// ConsumerFunc adapts a function to LocalConsumer.
type ConsumerFunc func(ctx context.Context, env Envelope) error

// Consume implements LocalConsumer.
func (f ConsumerFunc) Consume(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// PeerResolver resolves the other party of a relation.
type PeerResolver interface {
	ResolvePeer(relationID, requester string) (string, error)
}

// Router resolves the destination of envelopes and forwards them.
type Router struct {
	sessions     *Registry
	relations    PeerResolver
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu        sync.RWMutex
	consumers map[string]LocalConsumer
}

// NewRouter creates a Router over the shared registry and relation table.
// writeTimeout bounds how long a forward may wait on a full peer outbox.
func NewRouter(sessions *Registry, relations PeerResolver, writeTimeout time.Duration, logger zerolog.Logger) *Router {
	return &Router{
		sessions:     sessions,
		relations:    relations,
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("component", "router").Logger(),
		consumers:    make(map[string]LocalConsumer),
	}
}

// RegisterLocalConsumer sets the consumer for identity's local emits,
// replacing any previous one.
func (r *Router) RegisterLocalConsumer(identity string, c LocalConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[identity] = c
}

// UnregisterLocalConsumer removes identity's consumer.
func (r *Router) UnregisterLocalConsumer(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, identity)
}

// Route delivers env and returns nil once the destination accepted it.
// Failures are *RoutingError values.
func (r *Router) Route(ctx context.Context, env Envelope) error {
	start := time.Now()
	err := r.route(ctx, env)

	status := protocol.StatusDelivered
	var rerr *RoutingError
	if errors.As(err, &rerr) {
		status = rerr.Status()
	}
	metrics.MessagesRouted.WithLabelValues(env.Mode.String(), status).Inc()
	metrics.RouteDuration.WithLabelValues(env.Mode.String()).Observe(time.Since(start).Seconds())
	return err
}

func (r *Router) route(ctx context.Context, env Envelope) error {
	if _, err := protocol.ValidatePayload(env.Payload); err != nil {
		return &RoutingError{Code: CodeInvalidPayload, Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}
	switch env.Mode {
	case ModeLocal:
		return r.routeLocal(ctx, env)
	case ModeRelation:
		return r.routeRelation(ctx, env)
	}
	return &RoutingError{Code: CodeWrongPath, Err: fmt.Errorf("%w: mode %d", ErrWrongPath, env.Mode)}
}

func (r *Router) routeLocal(ctx context.Context, env Envelope) error {
	r.mu.RLock()
	c, ok := r.consumers[env.Sender]
	r.mu.RUnlock()
	if !ok {
		return &RoutingError{Code: CodeNoLocalConsumer, Err: fmt.Errorf("%w for %s", ErrNoLocalConsumer, env.Sender)}
	}
	if err := c.Consume(ctx, env); err != nil {
		return &RoutingError{Code: CodeConsumerFailed, Err: err}
	}
	return nil
}

func (r *Router) routeRelation(ctx context.Context, env Envelope) error {
	peer, err := r.relations.ResolvePeer(env.RelationID, env.Sender)
	if err != nil {
		code := CodeUnknownRelation
		if errors.Is(err, relation.ErrNotAParty) {
			code = CodeNotAParty
		}
		return &RoutingError{Code: code, Err: err}
	}

	session, err := r.sessions.Lookup(peer)
	if err != nil {
		return &RoutingError{Code: CodePeerOffline, Err: fmt.Errorf("%w: %s", ErrPeerOffline, peer)}
	}

	f := protocol.Frame{
		Event:      protocol.EventRelationMessage,
		ID:         env.ID,
		Sender:     env.Sender,
		RelationID: env.RelationID,
		Data:       env.Payload,
	}

	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}
	if err := session.Handle().Deliver(ctx, f); err != nil {
		r.logger.Debug().Err(err).Str("peer", peer).Str("id", env.ID).Msg("forward failed")
		return &RoutingError{Code: CodePeerUnreachable, Err: fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, peer, err)}
	}
	return nil
}
