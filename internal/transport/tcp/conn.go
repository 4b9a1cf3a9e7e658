// Package tcp provides the raw TCP transport for the relay.
//
// Each frame is a uvarint length prefix followed by a binary protobuf frame.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"

	"github.com/omochice/ix-interface/pkg/protocol"
)

// Conn adapts net.Conn to ix.Conn.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn) *Conn {
	return NewConnWithReader(conn, bufio.NewReader(conn))
}

// NewConnWithReader wraps a net.Conn whose first bytes were already
// buffered by reader, as after protocol detection.
func NewConnWithReader(conn net.Conn, reader *bufio.Reader) *Conn {
	return &Conn{conn: conn, reader: reader}
}

// ReadFrame implements ix.Conn.
func (c *Conn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	deadline, _ := ctx.Deadline()
	// A closed connection fails here too; the read below reports how it closed.
	if err := c.conn.SetReadDeadline(deadline); err != nil && !isClosed(err) {
		return protocol.Frame{}, err
	}
	var f protocol.Frame
	err := f.ReadDelimited(c.reader)
	var sizeErr *protodelim.SizeTooLargeError
	if errors.As(err, &sizeErr) {
		// Skip the oversized body so the next frame starts on a boundary.
		if _, derr := io.CopyN(io.Discard, c.reader, int64(sizeErr.Size)); derr != nil {
			return protocol.Frame{}, derr
		}
	}
	return f, err
}

// WriteFrame implements ix.Conn.
func (c *Conn) WriteFrame(ctx context.Context, f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return f.WriteDelimited(c.conn)
}

// Close implements ix.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements ix.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Transport names the transport in logs and metrics.
func (c *Conn) Transport() string {
	return "tcp"
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
