// Package ix provides the relay core shared by all transports: the session
// registry, the router and the per-connection lifecycle manager.
package ix

import (
	"context"

	"github.com/omochice/ix-interface/pkg/protocol"
)

// Conn abstracts a bidirectional frame connection for both TCP and WebSocket.
// This interface isolates transport details and encodings from relay logic.
type Conn interface {
	// ReadFrame reads the next frame. The context deadline, when set, bounds
	// the read. Returns io.EOF when the peer closed the connection and an
	// error wrapping protocol.ErrMalformedFrame when a complete frame could
	// not be decoded.
	ReadFrame(ctx context.Context) (protocol.Frame, error)

	// WriteFrame sends a single frame. Implementations serialize writers.
	WriteFrame(ctx context.Context, f protocol.Frame) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
