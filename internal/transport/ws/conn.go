// Package ws provides the server-side WebSocket transport for the relay.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/ix-interface/pkg/protocol"
)

// closeTimeout bounds the close handshake frame written by Close.
const closeTimeout = time.Second

// Conn adapts an upgraded gobwas connection to ix.Conn.
// Text messages carry JSON frames and binary messages carry protobuf frames;
// replies use the encoding of the most recent inbound message.
type Conn struct {
	conn       net.Conn
	reader     *wsutil.Reader
	control    wsutil.FrameHandlerFunc
	remoteAddr string

	mu         sync.Mutex
	text       atomic.Bool
	peerClosed atomic.Bool
	closeOnce  sync.Once
}

// NewConn wraps a connection returned by ws.UpgradeHTTP. br may hold bytes
// buffered during the upgrade and is read before conn.
func NewConn(conn net.Conn, br *bufio.Reader, remoteAddr string) *Conn {
	c := &Conn{conn: conn, remoteAddr: remoteAddr}
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	c.control = wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateServerSide)
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	if remoteAddr == "" {
		c.remoteAddr = conn.RemoteAddr().String()
	}
	return c
}

// ReadFrame implements ix.Conn.
func (c *Conn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	deadline, _ := ctx.Deadline()
	// A closed connection fails here too; the read below reports how it closed.
	if err := c.conn.SetReadDeadline(deadline); err != nil && !isClosed(err) {
		return protocol.Frame{}, err
	}
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return protocol.Frame{}, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					c.peerClosed.Store(true)
					return protocol.Frame{}, io.EOF
				}
				return protocol.Frame{}, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := c.reader.Discard(); err != nil {
				return protocol.Frame{}, err
			}
			continue
		}
		return c.readMessage(hdr.OpCode)
	}
}

func (c *Conn) readMessage(op ws.OpCode) (protocol.Frame, error) {
	data, err := io.ReadAll(io.LimitReader(c.reader, protocol.MaxFrameSize+1))
	if err != nil {
		return protocol.Frame{}, err
	}
	if len(data) > protocol.MaxFrameSize {
		if _, err := io.Copy(io.Discard, c.reader); err != nil {
			return protocol.Frame{}, err
		}
		return protocol.Frame{}, fmt.Errorf("%w: message exceeds %d bytes", protocol.ErrMalformedFrame, protocol.MaxFrameSize)
	}

	text := op == ws.OpText
	c.text.Store(text)

	var f protocol.Frame
	if text {
		err = f.DecodeJSON(data)
	} else {
		err = f.Decode(data)
	}
	return f, err
}

// WriteFrame implements ix.Conn.
func (c *Conn) WriteFrame(ctx context.Context, f protocol.Frame) error {
	op := ws.OpBinary
	encode := f.Encode
	if c.text.Load() {
		op = ws.OpText
		encode = f.EncodeJSON
	}
	data, err := encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, op, data)
}

// Close implements ix.Conn. It sends a normal closure frame, unless the peer
// already closed or a write is in flight, then closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if !c.peerClosed.Load() && c.mu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
			_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
			c.mu.Unlock()
		}
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements ix.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Transport names the transport in logs and metrics.
func (c *Conn) Transport() string {
	return "websocket"
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// lockedWriter serializes control frame replies with data writes.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.conn.Write(p)
}
