package protocol_test

import (
	"errors"
	"testing"

	"github.com/omochice/ix-interface/pkg/protocol"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		data    any
		wantErr error
	}{
		{name: "object", data: map[string]any{"value_1": 51}},
		{name: "nil", data: nil, wantErr: protocol.ErrEmptyPayload},
		{name: "empty object", data: map[string]any{}, wantErr: protocol.ErrEmptyPayload},
		{name: "scalar", data: "hello", wantErr: protocol.ErrPayloadNotObject},
		{name: "list", data: []any{1, 2}, wantErr: protocol.ErrPayloadNotObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := protocol.ValidatePayload(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePayload() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseAuth(t *testing.T) {
	tests := []struct {
		name     string
		frame    protocol.Frame
		wantErr  bool
		wantEmit string
	}{
		{
			name:     "local path without relation",
			frame:    protocol.Auth{Username: "dev_xapp_cg", Password: "pw"}.Frame(),
			wantEmit: protocol.EventLocalEmit,
		},
		{
			name:     "relation path",
			frame:    protocol.Auth{Username: "dev_xapp_cg", Password: "pw", RelationID: "rel1"}.Frame(),
			wantEmit: protocol.EventRelationEmit,
		},
		{
			name:    "missing password",
			frame:   protocol.Frame{Event: protocol.EventConnect, Data: map[string]any{"ix_username": "a"}},
			wantErr: true,
		},
		{
			name:    "wrong event",
			frame:   protocol.Frame{Event: protocol.EventPing},
			wantErr: true,
		},
		{
			name:    "auth is not an object",
			frame:   protocol.Frame{Event: protocol.EventConnect, Data: "token"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := protocol.ParseAuth(tt.frame)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAuth() error = %v, wantErr %v", err, tt.wantErr)
			}
			if notConnect := tt.frame.Event != protocol.EventConnect; errors.Is(err, protocol.ErrNotConnectFrame) != notConnect {
				t.Errorf("ParseAuth() error = %v, ErrNotConnectFrame expected: %v", err, notConnect)
			}
			if !tt.wantErr && auth.EmitEvent() != tt.wantEmit {
				t.Errorf("EmitEvent() = %q, want %q", auth.EmitEvent(), tt.wantEmit)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	f := protocol.DeliveryStatus("m-1", protocol.StatusDropped, "peer_offline", "peer dev_xapp_remote is offline")

	st, ok := protocol.ParseStatus(f)
	if !ok {
		t.Fatal("ParseStatus() ok = false")
	}
	if st.ID != "m-1" || st.Status != protocol.StatusDropped || st.Code != "peer_offline" {
		t.Errorf("ParseStatus() = %+v", st)
	}

	if _, ok := protocol.ParseStatus(protocol.Frame{Event: protocol.EventPing}); ok {
		t.Error("ParseStatus() on ping ok = true")
	}
}
