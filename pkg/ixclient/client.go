// Package ixclient is the client xApps use to talk to their Ix interface.
//
// A Client connects once, optionally naming a relation. Without a relation
// every payload goes to the xApp's local consumer; with one, payloads are
// forwarded to the relation's other xApp.
package ixclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/omochice/ix-interface/pkg/protocol"
)

// Path is where the Ix interface accepts WebSocket connections.
const Path = "/internal/ws"

var (
	// ErrNotConnected is returned when sending without a live connection.
	ErrNotConnected = errors.New("not connected to Ix")
	// ErrEmptyData is returned when sending an empty payload.
	ErrEmptyData = errors.New("data cannot be empty")
)

// ConnectError is the relay's reason for refusing a connection.
type ConnectError struct {
	Code    string
	Message string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ix connect refused (%s): %s", e.Code, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithDataLogging logs a copy of every payload sent.
func WithDataLogging(enabled bool) Option {
	return func(c *Client) {
		c.dataLogging = enabled
	}
}

// WithLogger sets the client's logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBufferSize sets the capacity of the Statuses and Messages channels.
func WithBufferSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// Client represents an Ix client.
type Client struct {
	url         string
	username    string
	password    string
	dataLogging bool
	bufferSize  int
	logger      zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	path      string
	sid       string
	connected atomic.Bool
	statuses  chan protocol.Status
	messages  chan protocol.Frame
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a new Client instance. url is the root URL of the Ix
// interface; http and https schemes are accepted.
func New(rawURL, username, password string, opts ...Option) *Client {
	c := &Client{
		url:        rawURL,
		username:   username,
		password:   password,
		bufferSize: 64,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the connection and authenticates. When relationID is
// not empty, subsequent sends are forwarded over that relation.
func (c *Client) Connect(ctx context.Context, relationID string) error {
	if c.IsConnected() {
		return errors.New("already connected")
	}
	// Release a session the relay already ended.
	c.Disconnect()

	target, err := endpoint(c.url)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Ix: %w", err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	a := protocol.Auth{Username: c.username, Password: c.password, RelationID: relationID}
	if err := write(ctx, conn, a.Frame()); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return err
	}

	reply, err := read(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return fmt.Errorf("failed to read connect reply: %w", err)
	}
	data, _ := reply.Object()
	switch reply.Event {
	case protocol.EventConnect:
	case protocol.EventConnectError:
		conn.Close(websocket.StatusNormalClosure, "")
		code, _ := data["code"].(string)
		msg, _ := data["message"].(string)
		c.logger.Error().Str("code", code).Msg("Ix Error: " + msg)
		return &ConnectError{Code: code, Message: msg}
	default:
		conn.Close(websocket.StatusProtocolError, "")
		return fmt.Errorf("unexpected connect reply %q", reply.Event)
	}

	c.mu.Lock()
	c.conn = conn
	c.path = a.EmitEvent()
	c.sid, _ = data["sid"].(string)
	c.statuses = make(chan protocol.Status, c.bufferSize)
	c.messages = make(chan protocol.Frame, c.bufferSize)
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.connected.Store(true)

	c.logger.Info().Str("sid", c.sid).Str("path", c.path).Msg("Connected to Ix!")

	c.wg.Add(1)
	go c.receive(conn, c.statuses, c.messages, c.done)
	return nil
}

// Disconnect closes the connection. It is a no-op when not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}

	if c.connected.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = write(ctx, conn, protocol.Frame{Event: protocol.EventDisconnect})
		cancel()
	}
	c.connected.Store(false)
	close(done)
	conn.Close(websocket.StatusNormalClosure, "")
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// SessionID returns the id the relay assigned to the current session.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sid
}

// Send transmits data on the path chosen at connect time and returns the
// message id. Its outcome arrives later on Statuses.
func (c *Client) Send(ctx context.Context, data map[string]any) (string, error) {
	c.mu.RLock()
	conn, path := c.conn, c.path
	c.mu.RUnlock()

	if conn == nil || !c.connected.Load() {
		return "", ErrNotConnected
	}
	if len(data) == 0 {
		return "", ErrEmptyData
	}

	id := ulid.Make().String()
	if c.dataLogging {
		c.logger.Info().Str("id", id).Interface("data", data).Msg("Sending")
	}
	if err := write(ctx, conn, protocol.Frame{Event: path, ID: id, Data: data}); err != nil {
		return "", err
	}
	return id, nil
}

// Statuses returns the delivery outcomes of sent messages. The channel is
// replaced on every Connect and closed when that session ends.
func (c *Client) Statuses() <-chan protocol.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statuses
}

// Messages returns payloads forwarded by the relation peer. The channel is
// replaced on every Connect and closed when that session ends.
func (c *Client) Messages() <-chan protocol.Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages
}

func (c *Client) receive(conn *websocket.Conn, statuses chan<- protocol.Status, messages chan<- protocol.Frame, done <-chan struct{}) {
	defer c.wg.Done()
	defer close(messages)
	defer close(statuses)
	defer c.connected.Store(false)

	for {
		f, err := read(context.Background(), conn)
		if errors.Is(err, protocol.ErrMalformedFrame) {
			c.logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		if err != nil {
			select {
			case <-done:
			default:
				c.logger.Info().Err(err).Msg("Disconnected from Ix.")
			}
			return
		}

		switch f.Event {
		case protocol.EventPing:
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if err := write(ctx, conn, protocol.Frame{Event: protocol.EventPong, ID: f.ID}); err != nil {
				c.logger.Debug().Err(err).Msg("failed to answer ping")
			}
			cancel()
		case protocol.EventDeliveryStatus:
			st, ok := protocol.ParseStatus(f)
			if !ok {
				continue
			}
			if st.Status != protocol.StatusDelivered {
				c.logger.Warn().Str("id", st.ID).Str("status", st.Status).Str("code", st.Code).Msg(st.Reason)
			}
			select {
			case statuses <- st:
			default:
				c.logger.Debug().Str("id", st.ID).Msg("status buffer full, dropping")
			}
		case protocol.EventRelationMessage:
			if c.dataLogging {
				c.logger.Info().Str("sender", f.Sender).Interface("data", f.Data).Msg("Received")
			}
			select {
			case messages <- f:
			default:
				c.logger.Warn().Str("sender", f.Sender).Msg("message buffer full, dropping")
			}
		case protocol.EventDisconnect:
			data, _ := f.Object()
			c.logger.Info().Interface("reason", data["reason"]).Msg("Disconnected from Ix.")
			c.connected.Store(false)
		}
	}
}

// endpoint turns the Ix root URL into the WebSocket endpoint.
func endpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid Ix url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid Ix url %q: unsupported scheme", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	} else if !strings.HasSuffix(u.Path, Path) {
		u.Path = strings.TrimSuffix(u.Path, "/") + Path
	}
	return u.String(), nil
}
