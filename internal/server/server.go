// Package server accepts client connections for the relay on a single port.
// Raw TCP clients and HTTP requests are told apart by their first bytes;
// HTTP is served by a chi router exposing the WebSocket endpoint, health and
// metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/ix-interface/internal/ix"
	"github.com/omochice/ix-interface/internal/transport/tcp"
)

// WebSocketPath is the path xApps upgrade on.
const WebSocketPath = "/internal/ws"

const defaultDetectTimeout = 5 * time.Second

// Config configures the listener and HTTP surface.
type Config struct {
	Addr           string
	AllowedOrigins []string
	// DetectTimeout bounds the wait for the first bytes of a connection.
	DetectTimeout time.Duration
}

// Counter reports a size for the health endpoint.
type Counter interface {
	Len() int
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// Server represents a relay server handling both TCP and WebSocket
// connections on one port.
type Server struct {
	cfg       Config
	manager   *ix.Manager
	sessions  Counter
	relations Counter
	checks    map[string]HealthCheck
	logger    zerolog.Logger

	listener net.Listener
	httpLn   *connListener
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a new Server instance.
func New(cfg Config, manager *ix.Manager, sessions, relations Counter, logger zerolog.Logger, opts ...Option) *Server {
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = defaultDetectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		manager:   manager,
		sessions:  sessions,
		relations: relations,
		checks:    make(map[string]HealthCheck),
		logger:    logger.With().Str("component", "server").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.httpLn = newConnListener(listener.Addr())
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	return nil
}

// Serve accepts connections on the bound listener until Stop is called.
// It returns nil after a clean stop.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	s.logger.Info().Str("addr", s.Addr()).Msg("server started (TCP and WebSocket)")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.http.Serve(s.httpLn)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop stops accepting connections, disconnects every session and waits for
// the connection tasks to finish or for ctx to be done.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpLn != nil {
			s.httpLn.Close()
		}

		err = s.manager.Shutdown(ctx)
		if s.http != nil {
			if herr := s.http.Shutdown(ctx); herr != nil && err == nil {
				err = herr
			}
		}
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
		s.logger.Info().Msg("server stopped")
	})
	return err
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleConnection determines whether the connection is HTTP (WebSocket) or
// raw TCP and dispatches it.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.DetectTimeout)); err != nil {
		conn.Close()
		return
	}
	proto, reader, err := detectProtocol(conn)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("failed to peek connection")
		conn.Close()
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return
	}

	switch proto {
	case protocolHTTP:
		if !s.httpLn.push(&bufferedConn{Conn: conn, reader: reader}) {
			conn.Close()
		}
	default:
		err := s.manager.Serve(s.ctx, tcp.NewConnWithReader(conn, reader))
		s.logServeResult(conn.RemoteAddr().String(), proto, err)
	}
}

func (s *Server) logServeResult(remote string, proto protocolType, err error) {
	if err == nil {
		return
	}
	var aerr *ix.AuthError
	if errors.As(err, &aerr) {
		return
	}
	s.logger.Debug().Err(err).Str("remote", remote).Stringer("protocol", proto).Msg("connection ended")
}
