package ix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/omochice/ix-interface/pkg/protocol"
)

var (
	ErrDuplicateSession = errors.New("duplicate session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")

	ErrNoLocalConsumer = errors.New("no local consumer")
	ErrPeerOffline     = errors.New("peer offline")
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrWrongPath       = errors.New("wrong emit path")
)

// Auth rejection codes carried in connect_error frames.
const (
	CodeMissingCredentials = "missing_credentials"
	CodeBadCredentials     = "bad_credentials"
	CodeUnknownRelation    = "unknown_relation"
	CodeNotAParty          = "not_a_party"
	CodeDuplicateSession   = "duplicate_session"
	CodeHandshake          = "handshake_failed"
)

// Routing failure codes carried in delivery_status frames.
const (
	CodeNoLocalConsumer = "no_local_consumer"
	CodeConsumerFailed  = "consumer_failed"
	CodePeerOffline     = "peer_offline"
	CodePeerUnreachable = "peer_unreachable"
	CodeInvalidPayload  = "invalid_payload"
	CodeWrongPath       = "wrong_path"
	CodeUnknownEvent    = "unknown_event"
)

// AuthError rejects a connection attempt. It is always fatal for that
// attempt and is reported to the client as connect_error.
type AuthError struct {
	Code   string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth rejected (%s): %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth rejected (%s): %s", e.Code, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RoutingError reports a message that could not be delivered. The
// connection stays open; the sender receives a delivery_status frame.
type RoutingError struct {
	Code string
	Err  error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing failed (%s): %v", e.Code, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// Status maps the error onto a delivery status value. Messages that reached
// a valid destination which then went away are dropped; everything else is
// rejected.
func (e *RoutingError) Status() string {
	switch e.Code {
	case CodePeerOffline, CodePeerUnreachable:
		return protocol.StatusDropped
	}
	return protocol.StatusRejected
}

// TransportError ends a session. The relay never retries it; clients
// reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a deadline expiry from a context or a
// network connection.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed reports whether err means the other side went away.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
