package ixclient

import (
	"context"
	"fmt"
	"time"

	"nhooyr.io/websocket"

	"github.com/omochice/ix-interface/pkg/protocol"
)

const closeTimeout = 2 * time.Second

// write sends f as a JSON text message.
func write(ctx context.Context, conn *websocket.Conn, f protocol.Frame) error {
	data, err := f.EncodeJSON()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// read receives the next frame, accepting either encoding.
func read(ctx context.Context, conn *websocket.Conn) (protocol.Frame, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}
	var f protocol.Frame
	if typ == websocket.MessageText {
		err = f.DecodeJSON(data)
	} else {
		err = f.Decode(data)
	}
	return f, err
}
