package ix

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/ix-interface/pkg/protocol"
)

// SessionID identifies one registered session.
type SessionID string

// Handle is the write side of a live connection. The Connection Manager owns
// it; the Router only pushes frames through it.
type Handle interface {
	// Deliver queues f for the connection, blocking while its outbox is full
	// until ctx is done or the connection closes.
	Deliver(ctx context.Context, f protocol.Frame) error
}

// Session represents one live authenticated connection.
type Session struct {
	ID          SessionID
	Identity    string
	RelationID  string
	ConnectedAt time.Time

	handle Handle
	alive  atomic.Bool
}

// Handle returns the session's transport handle.
func (s *Session) Handle() Handle {
	return s.handle
}

// Alive reports whether the session's connection is still usable.
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// Registry tracks every authenticated session keyed by xApp identity.
// All connection handlers share a single Registry.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register adds a session for identity. A second registration while the
// first session is live fails with ErrDuplicateSession; the existing
// session is never replaced.
func (r *Registry) Register(identity, relationID string, h Handle) (SessionID, error) {
	s := &Session{
		ID:          SessionID(uuid.NewString()),
		Identity:    identity,
		RelationID:  relationID,
		ConnectedAt: time.Now(),
		handle:      h,
	}
	s.alive.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[identity]; ok && existing.Alive() {
		return "", fmt.Errorf("%w: %s", ErrDuplicateSession, identity)
	}
	r.sessions[identity] = s
	return s.ID, nil
}

// Lookup returns the live session of identity.
func (r *Registry) Lookup(identity string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	if !ok || !s.Alive() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, identity)
	}
	return s, nil
}

// Remove removes the session of identity. Removing an absent identity is a
// no-op.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[identity]; ok {
		s.alive.Store(false)
		delete(r.sessions, identity)
	}
}

// Release removes the session of identity only if it is still the session
// with the given id. It reports whether a session was removed.
func (r *Registry) Release(identity string, id SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	if !ok || s.ID != id {
		return false
	}
	s.alive.Store(false)
	delete(r.sessions, identity)
	return true
}

// Len returns number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
