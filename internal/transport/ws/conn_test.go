package ws_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"nhooyr.io/websocket"

	"github.com/omochice/ix-interface/internal/ix"
	ixws "github.com/omochice/ix-interface/internal/transport/ws"
	"github.com/omochice/ix-interface/pkg/protocol"
)

// serve starts a server that upgrades one connection and hands it to the
// test through the returned channel.
func serve(t *testing.T) (string, <-chan *ixws.Conn) {
	t.Helper()
	conns := make(chan *ixws.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, rw, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		conns <- ixws.NewConn(conn, rw.Reader, r.RemoteAddr)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), conns
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func accept(t *testing.T, conns <-chan *ixws.Conn) *ixws.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept a connection")
		return nil
	}
}

func TestConn_ReadFrame_Binary(t *testing.T) {
	url, conns := serve(t)
	client := dial(t, url)
	conn := accept(t, conns)

	want := protocol.Frame{Event: protocol.EventRelationEmit, ID: "m1", Data: map[string]any{"value_1": float64(51)}}
	data, err := want.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := client.Write(context.Background(), websocket.MessageBinary, data); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	got, err := conn.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if got.Event != want.Event || got.ID != want.ID {
		t.Errorf("ReadFrame() = %+v, want %+v", got, want)
	}
}

func TestConn_TextRoundTrip(t *testing.T) {
	url, conns := serve(t)
	client := dial(t, url)
	conn := accept(t, conns)

	msg := `{"event":"connect","data":{"ix_username":"dev_xapp_cg","ix_password":"secret"}}`
	if err := client.Write(context.Background(), websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	f, err := conn.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Event != protocol.EventConnect {
		t.Fatalf("Event = %q, want %q", f.Event, protocol.EventConnect)
	}

	reply := protocol.Frame{Event: protocol.EventConnect, Data: map[string]any{"sid": "abc"}}
	if err := conn.WriteFrame(context.Background(), reply); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("client read error = %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("reply type = %v, want text", typ)
	}
	var got protocol.Frame
	if err := got.DecodeJSON(data); err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if obj, _ := got.Object(); obj["sid"] != "abc" {
		t.Errorf("reply data = %v", got.Data)
	}
}

func TestConn_ReadFrame_Malformed(t *testing.T) {
	url, conns := serve(t)
	client := dial(t, url)
	conn := accept(t, conns)

	if err := client.Write(context.Background(), websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	_, err := conn.ReadFrame(context.Background())
	if !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Fatalf("ReadFrame() error = %v, want ErrMalformedFrame", err)
	}

	// The stream stays usable after a malformed message.
	ok := protocol.Frame{Event: protocol.EventPing}
	data, _ := ok.EncodeJSON()
	if err := client.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	f, err := conn.ReadFrame(context.Background())
	if err != nil || f.Event != protocol.EventPing {
		t.Fatalf("ReadFrame() = %v, %v; want ping", f, err)
	}
}

func TestConn_ReadFrame_PeerClose(t *testing.T) {
	url, conns := serve(t)
	client := dial(t, url)
	conn := accept(t, conns)

	go client.Close(websocket.StatusNormalClosure, "bye")

	_, err := conn.ReadFrame(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame() error = %v, want io.EOF", err)
	}
}

func TestConn_ReadFrame_PipeClosed(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	conn := ixws.NewConn(server, nil, "pipe")
	client.Close()

	_, err := conn.ReadFrame(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame() error = %v, want io.EOF", err)
	}
	if !ix.IsClosed(err) {
		t.Errorf("ix.IsClosed(%v) = false, want true", err)
	}
}

func TestConn_ReadFrame_Deadline(t *testing.T) {
	url, conns := serve(t)
	dial(t, url)
	conn := accept(t, conns)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.ReadFrame(ctx)
	if !ix.IsTimeout(err) {
		t.Errorf("ReadFrame() error = %v, want timeout", err)
	}
}

func TestConn_RemoteAddr(t *testing.T) {
	url, conns := serve(t)
	dial(t, url)
	conn := accept(t, conns)

	if conn.RemoteAddr() == "" {
		t.Error("RemoteAddr() returned empty string")
	}
	if conn.Transport() != "websocket" {
		t.Errorf("Transport() = %q, want websocket", conn.Transport())
	}
}

// Compile-time check that Conn implements ix.Conn
var _ ix.Conn = (*ixws.Conn)(nil)
