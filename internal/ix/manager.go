package ix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/omochice/ix-interface/internal/metrics"
	"github.com/omochice/ix-interface/pkg/protocol"
)

// Disconnect reasons reported in disconnect frames, logs and metrics.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonClientClosed     = "client_closed"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonFailureThreshold = "failure_threshold"
	ReasonTransportError   = "transport_error"
	ReasonShutdown         = "server_shutdown"
)

// Authenticator validates connection credentials. A nil error admits the
// connection; rejections should be *AuthError values.
type Authenticator interface {
	Authenticate(identity, secret, relationID string) error
}

// ManagerConfig holds the per-connection timing and buffering knobs.
type ManagerConfig struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	// MaxConsecutiveFailures is the number of back-to-back recoverable faults
	// tolerated on a live session. Zero disables the limit.
	MaxConsecutiveFailures int
	OutboxSize             int
}

// DefaultManagerConfig returns the defaults used when nothing is configured.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HandshakeTimeout:       5 * time.Second,
		HeartbeatInterval:      25 * time.Second,
		IdleTimeout:            60 * time.Second,
		WriteTimeout:           5 * time.Second,
		MaxConsecutiveFailures: 3,
		OutboxSize:             64,
	}
}

// Manager owns the lifecycle of every transport connection.
type Manager struct {
	cfg      ManagerConfig
	gate     Authenticator
	sessions *Registry
	router   *Router
	logger   zerolog.Logger

	mu         sync.RWMutex
	conns      map[*connection]struct{}
	byIdentity map[string]*connection
	closed     bool
	wg         sync.WaitGroup
}

// NewManager creates a Manager. Zero values in cfg fall back to
// DefaultManagerConfig, except MaxConsecutiveFailures.
func NewManager(cfg ManagerConfig, gate Authenticator, sessions *Registry, router *Router, logger zerolog.Logger) *Manager {
	def := DefaultManagerConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	return &Manager{
		cfg:        cfg,
		gate:       gate,
		sessions:   sessions,
		router:     router,
		logger:     logger.With().Str("component", "manager").Logger(),
		conns:      make(map[*connection]struct{}),
		byIdentity: make(map[string]*connection),
	}
}

// Serve runs conn through its whole lifecycle on the calling goroutine and
// returns when the connection is closed. The returned error is an
// *AuthError when admission failed, a *TransportError when the session
// ended on a transport fault, and nil for orderly disconnects.
func (m *Manager) Serve(ctx context.Context, conn Conn) error {
	c := m.newConnection(conn)
	if !m.track(c) {
		conn.Close()
		return &TransportError{Op: "accept", Err: ErrSessionClosed}
	}
	defer m.untrack(c)
	return c.run(ctx)
}

// State returns the lifecycle state of identity's connection.
func (m *Manager) State(identity string) (State, bool) {
	m.mu.RLock()
	c, ok := m.byIdentity[identity]
	m.mu.RUnlock()
	if !ok {
		return StateClosed, false
	}
	return c.sm.get(), true
}

// IsConnected reports whether identity has a connection in StateConnected.
func (m *Manager) IsConnected(identity string) bool {
	s, ok := m.State(identity)
	return ok && s == StateConnected
}

// Shutdown disconnects every connection and waits for their tasks to finish
// or for ctx to be done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*connection, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.stop(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) track(c *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.conns[c] = struct{}{}
	m.wg.Add(1)
	return true
}

func (m *Manager) untrack(c *connection) {
	m.mu.Lock()
	delete(m.conns, c)
	if m.byIdentity[c.auth.Username] == c {
		delete(m.byIdentity, c.auth.Username)
	}
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) bind(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byIdentity[c.auth.Username] = c
}

// connection is the state owned by one connection's task.
type connection struct {
	m         *Manager
	conn      Conn
	transport string
	logger    zerolog.Logger
	sm        stateMachine

	auth protocol.Auth
	sid  SessionID

	outbox     chan protocol.Frame
	done       chan struct{}
	doneOnce   sync.Once
	writerDone chan struct{}

	failures atomic.Int32
	reason   atomic.Pointer[string]
	farewell atomic.Bool
}

func (m *Manager) newConnection(conn Conn) *connection {
	transport := "unknown"
	if t, ok := conn.(interface{ Transport() string }); ok {
		transport = t.Transport()
	}
	return &connection{
		m:         m,
		conn:      conn,
		transport: transport,
		logger: m.logger.With().
			Str("remote", conn.RemoteAddr()).
			Str("transport", transport).
			Logger(),
		outbox: make(chan protocol.Frame, m.cfg.OutboxSize),
		done:   make(chan struct{}),
	}
}

// Deliver implements Handle.
func (c *connection) Deliver(ctx context.Context, f protocol.Frame) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	select {
	case c.outbox <- f:
		return nil
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Closing the transport is what unblocks a pending read on cancellation.
	stopClose := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stopClose()

	if err := c.handshake(ctx); err != nil {
		return err
	}

	c.writerDone = make(chan struct{})
	go c.writeLoop(ctx)
	go c.heartbeat()

	reason, err := c.readLoop(ctx)
	c.teardown(reason)
	return err
}

// handshake moves the connection from Connecting to Connected, or to Closed
// with a connect_error frame.
func (c *connection) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.m.cfg.HandshakeTimeout)
	f, err := c.conn.ReadFrame(hctx)
	cancel()
	if err != nil {
		aerr := &AuthError{Code: CodeHandshake, Reason: "no connect frame received", Err: err}
		if IsClosed(err) || ctx.Err() != nil {
			c.close(aerr, false)
		} else {
			c.close(aerr, true)
		}
		return aerr
	}

	if err := c.sm.to(StateAuthenticating); err != nil {
		return c.reject(&AuthError{Code: CodeHandshake, Reason: err.Error()})
	}

	a, err := protocol.ParseAuth(f)
	if errors.Is(err, protocol.ErrNotConnectFrame) {
		return c.reject(&AuthError{Code: CodeHandshake, Reason: "first frame must be connect", Err: err})
	}
	if err != nil {
		return c.reject(&AuthError{Code: CodeMissingCredentials, Reason: err.Error()})
	}
	c.auth = a
	c.logger = c.logger.With().Str("identity", a.Username).Logger()

	if err := c.m.gate.Authenticate(a.Username, a.Password, a.RelationID); err != nil {
		var aerr *AuthError
		if !errors.As(err, &aerr) {
			aerr = &AuthError{Code: CodeBadCredentials, Reason: "authentication failed", Err: err}
		}
		return c.reject(aerr)
	}

	sid, err := c.m.sessions.Register(a.Username, a.RelationID, c)
	if err != nil {
		return c.reject(&AuthError{Code: CodeDuplicateSession, Reason: "identity already has a live session", Err: err})
	}
	c.sid = sid
	c.logger = c.logger.With().Str("sid", string(sid)).Logger()
	metrics.SessionsActive.Inc()

	if err := c.sm.to(StateConnected); err != nil {
		c.logger.Error().Err(err).Msg("state machine")
	}
	c.m.bind(c)

	wctx, cancel := context.WithTimeout(ctx, c.m.cfg.WriteTimeout)
	defer cancel()
	ack := protocol.Frame{
		Event: protocol.EventConnect,
		Data:  map[string]any{"sid": string(sid), "path": a.EmitEvent()},
	}
	if err := c.conn.WriteFrame(wctx, ack); err != nil {
		c.teardown(ReasonTransportError)
		return &TransportError{Op: "write", Err: err}
	}

	metrics.Connections.WithLabelValues(c.transport, "accepted").Inc()
	c.logger.Info().Str("relation", a.RelationID).Str("path", a.EmitEvent()).Msg("session connected")
	return nil
}

// reject closes an Authenticating connection with a connect_error frame.
func (c *connection) reject(aerr *AuthError) error {
	c.close(aerr, true)
	return aerr
}

func (c *connection) close(aerr *AuthError, notify bool) {
	if notify {
		ctx, cancel := context.WithTimeout(context.Background(), c.m.cfg.WriteTimeout)
		f := protocol.Frame{
			Event: protocol.EventConnectError,
			Data:  map[string]any{"message": aerr.Reason, "code": aerr.Code},
		}
		if err := c.conn.WriteFrame(ctx, f); err != nil {
			c.logger.Debug().Err(err).Msg("failed to send connect_error")
		}
		cancel()
	}
	c.conn.Close()
	if err := c.sm.to(StateClosed); err != nil {
		c.logger.Error().Err(err).Msg("state machine")
	}
	metrics.Connections.WithLabelValues(c.transport, aerr.Code).Inc()
	c.logger.Warn().Str("code", aerr.Code).Err(aerr).Msg("connection rejected")
}

// readLoop reads and routes frames in arrival order until the session ends.
// It returns the disconnect reason and, for transport faults, the error.
func (c *connection) readLoop(ctx context.Context) (string, error) {
	for {
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if c.m.cfg.IdleTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, c.m.cfg.IdleTimeout)
		}
		f, err := c.conn.ReadFrame(rctx)
		cancel()
		if err != nil {
			switch {
			case c.stopped():
				return ReasonShutdown, nil
			case ctx.Err() != nil:
				return ReasonShutdown, nil
			case errors.Is(err, protocol.ErrMalformedFrame):
				if c.fault(err) {
					return ReasonFailureThreshold, &TransportError{Op: "read", Err: err}
				}
				continue
			case IsTimeout(err):
				return ReasonIdleTimeout, &TransportError{Op: "read", Err: err}
			case IsClosed(err):
				return ReasonClientClosed, nil
			default:
				return ReasonTransportError, &TransportError{Op: "read", Err: err}
			}
		}
		c.failures.Store(0)

		switch f.Event {
		case protocol.EventPing:
			c.tryDeliver(protocol.Frame{Event: protocol.EventPong, ID: f.ID})
		case protocol.EventPong:
		case protocol.EventDisconnect:
			return ReasonClientDisconnect, nil
		case protocol.EventLocalEmit, protocol.EventRelationEmit:
			c.handleEmit(ctx, f)
		default:
			c.reply(ctx, protocol.DeliveryStatus(f.ID, protocol.StatusRejected, CodeUnknownEvent,
				fmt.Sprintf("unknown event %q", f.Event)))
		}
	}
}

// handleEmit routes one emitted payload and reports the outcome to the
// sender. Routing runs on the read task so a connection's messages are
// forwarded in the order they arrived.
func (c *connection) handleEmit(ctx context.Context, f protocol.Frame) {
	id := f.ID
	if id == "" {
		id = ulid.Make().String()
	}

	if f.Event != c.auth.EmitEvent() {
		err := fmt.Errorf("%w: session uses %s", ErrWrongPath, c.auth.EmitEvent())
		c.reply(ctx, protocol.DeliveryStatus(id, protocol.StatusRejected, CodeWrongPath, err.Error()))
		return
	}

	payload, err := protocol.ValidatePayload(f.Data)
	if err != nil {
		c.reply(ctx, protocol.DeliveryStatus(id, protocol.StatusRejected, CodeInvalidPayload, err.Error()))
		return
	}

	env := Envelope{
		ID:         id,
		Sender:     c.auth.Username,
		Mode:       ModeLocal,
		RelationID: c.auth.RelationID,
		Payload:    payload,
	}
	if f.Event == protocol.EventRelationEmit {
		env.Mode = ModeRelation
	}

	if err := c.m.router.Route(ctx, env); err != nil {
		var rerr *RoutingError
		if !errors.As(err, &rerr) {
			rerr = &RoutingError{Code: CodePeerUnreachable, Err: err}
		}
		c.logger.Debug().Str("id", id).Str("code", rerr.Code).Err(rerr.Err).Msg("message not delivered")
		c.reply(ctx, protocol.DeliveryStatus(id, rerr.Status(), rerr.Code, rerr.Err.Error()))
		return
	}
	c.reply(ctx, protocol.DeliveryStatus(id, protocol.StatusDelivered, "", ""))
}

// reply queues a frame for this connection, waiting at most WriteTimeout.
func (c *connection) reply(ctx context.Context, f protocol.Frame) {
	ctx, cancel := context.WithTimeout(ctx, c.m.cfg.WriteTimeout)
	defer cancel()
	if err := c.Deliver(ctx, f); err != nil && !errors.Is(err, ErrSessionClosed) {
		c.logger.Warn().Err(err).Str("frame", f.String()).Msg("failed to queue reply")
		if c.fault(err) {
			c.abort(ReasonFailureThreshold)
		}
	}
}

func (c *connection) tryDeliver(f protocol.Frame) {
	select {
	case c.outbox <- f:
	default:
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			return
		case f := <-c.outbox:
			wctx, cancel := context.WithTimeout(ctx, c.m.cfg.WriteTimeout)
			err := c.conn.WriteFrame(wctx, f)
			cancel()
			if err == nil {
				c.failures.Store(0)
				continue
			}
			if IsTimeout(err) && ctx.Err() == nil {
				c.logger.Warn().Err(err).Str("frame", f.String()).Msg("write timed out")
				if c.fault(err) {
					c.abort(ReasonFailureThreshold)
					return
				}
				continue
			}
			c.logger.Debug().Err(err).Msg("write failed")
			c.abort(ReasonTransportError)
			return
		}
	}
}

func (c *connection) heartbeat() {
	if c.m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.tryDeliver(protocol.Frame{Event: protocol.EventPing})
		}
	}
}

// fault records a recoverable failure and reports whether the consecutive
// failure limit is now exceeded.
func (c *connection) fault(err error) bool {
	n := c.failures.Add(1)
	metrics.TransientFailures.Inc()
	c.logger.Debug().Err(err).Int32("consecutive", n).Msg("transient failure")
	limit := c.m.cfg.MaxConsecutiveFailures
	return limit > 0 && int(n) > limit
}

func (c *connection) setReason(reason string) {
	c.reason.CompareAndSwap(nil, &reason)
}

func (c *connection) reasonOr(fallback string) string {
	if r := c.reason.Load(); r != nil {
		return *r
	}
	return fallback
}

func (c *connection) stopped() bool {
	r := c.reason.Load()
	return r != nil && *r == ReasonShutdown
}

// abort ends the session from a helper goroutine by closing the transport,
// which fails the pending read.
func (c *connection) abort(reason string) {
	c.setReason(reason)
	c.conn.Close()
}

// stop ends the session from outside its task, telling the client why.
func (c *connection) stop(reason string) {
	c.setReason(reason)
	c.sayGoodbye()
	c.conn.Close()
}

func (c *connection) sayGoodbye() {
	if c.sm.get() != StateConnected && c.sm.get() != StateDisconnecting {
		return
	}
	if !c.farewell.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.m.cfg.WriteTimeout)
	defer cancel()
	f := protocol.Frame{
		Event: protocol.EventDisconnect,
		Data:  map[string]any{"reason": c.reasonOr(ReasonShutdown)},
	}
	if err := c.conn.WriteFrame(ctx, f); err != nil {
		c.logger.Debug().Err(err).Msg("failed to send disconnect")
	}
}

// teardown moves a Connected session through Disconnecting to Closed.
func (c *connection) teardown(reason string) {
	c.setReason(reason)
	reason = c.reasonOr(reason)

	if err := c.sm.to(StateDisconnecting); err != nil {
		c.logger.Error().Err(err).Msg("state machine")
	}
	if c.m.sessions.Release(c.auth.Username, c.sid) {
		metrics.SessionsActive.Dec()
	}

	c.doneOnce.Do(func() { close(c.done) })
	if c.writerDone != nil {
		<-c.writerDone
	}
	if reason != ReasonClientClosed {
		c.sayGoodbye()
	}
	c.conn.Close()

	if err := c.sm.to(StateClosed); err != nil {
		c.logger.Error().Err(err).Msg("state machine")
	}
	metrics.Disconnects.WithLabelValues(reason).Inc()
	c.logger.Info().Str("reason", reason).Msg("session closed")
}
