package ix_test

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/omochice/ix-interface/internal/ix"
	"github.com/omochice/ix-interface/pkg/protocol"
)

// mockConn is a mock implementation of ix.Conn for testing.
// Frames pushed with send are returned by ReadFrame; written frames are
// published on the written channel.
type mockConn struct {
	readCh     chan protocol.Frame
	readErrCh  chan error
	written    chan protocol.Frame
	writeErr   error
	closeOnce  sync.Once
	closed     chan struct{}
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan protocol.Frame, 16),
		readErrCh:  make(chan error, 8),
		written:    make(chan protocol.Frame, 64),
		closed:     make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	select {
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-m.closed:
		return protocol.Frame{}, io.EOF
	case err := <-m.readErrCh:
		return protocol.Frame{}, err
	case f := <-m.readCh:
		return f, nil
	}
}

func (m *mockConn) WriteFrame(ctx context.Context, f protocol.Frame) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	select {
	case <-m.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case m.written <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) Transport() string {
	return "mock"
}

// send queues an inbound frame.
func (m *mockConn) send(f protocol.Frame) {
	m.readCh <- f
}

// next waits for the next written frame whose event is one of events,
// skipping heartbeats.
func (m *mockConn) next(timeout time.Duration, events ...string) (protocol.Frame, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-m.written:
			if len(events) == 0 {
				return f, true
			}
			for _, e := range events {
				if f.Event == e {
					return f, true
				}
			}
		case <-deadline:
			return protocol.Frame{}, false
		}
	}
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Compile-time check that mockConn implements ix.Conn
var _ ix.Conn = (*mockConn)(nil)
