// Package protocol defines the Ix wire frames and their encodings.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event names carried in Frame.Event.
const (
	EventConnect         = "connect"
	EventConnectError    = "connect_error"
	EventDisconnect      = "disconnect"
	EventLocalEmit       = "xapp_local_emit"
	EventRelationEmit    = "xapp_relation_emit"
	EventRelationMessage = "xapp_relation_message"
	EventDeliveryStatus  = "delivery_status"
	EventPing            = "ping"
	EventPong            = "pong"
)

// MaxFrameSize bounds a single length-delimited frame on stream transports.
const MaxFrameSize = 1 << 20

// ErrMalformedFrame is returned when bytes cannot be decoded into a Frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one event exchanged between a client and the relay.
type Frame struct {
	Event      string
	ID         string
	Sender     string
	RelationID string
	// Data is the decoded "data" member. Emit frames carry the xApp payload
	// here; it is left untyped so that scalar payloads can be rejected with a
	// delivery status instead of a decode failure.
	Data any
}

// Object returns Data as a map when it is one.
func (f Frame) Object() (map[string]any, bool) {
	m, ok := f.Data.(map[string]any)
	return m, ok
}

// String returns a short description for logs.
func (f Frame) String() string {
	if f.ID == "" {
		return f.Event
	}
	return fmt.Sprintf("%s[%s]", f.Event, f.ID)
}

// Encode encodes the frame using binary protobuf.
func (f Frame) Encode() ([]byte, error) {
	s, err := f.toProto()
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Decode decodes a binary protobuf frame.
func (f *Frame) Decode(data []byte) error {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f.fromProto(s)
}

// EncodeJSON encodes the frame as a JSON object.
func (f Frame) EncodeJSON() ([]byte, error) {
	s, err := f.toProto()
	if err != nil {
		return nil, err
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// DecodeJSON decodes a frame from a JSON object.
func (f *Frame) DecodeJSON(data []byte) error {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f.fromProto(s)
}

// WriteDelimited writes the frame to w prefixed with its varint length.
func (f Frame) WriteDelimited(w io.Writer) error {
	s, err := f.toProto()
	if err != nil {
		return err
	}
	if _, err := protodelim.MarshalTo(w, s); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadDelimited reads one varint length-prefixed frame from r.
// I/O errors are returned unwrapped so callers can test for io.EOF. An
// oversized frame is left unread and reported with a wrapped
// *protodelim.SizeTooLargeError carrying its length.
func (f *Frame) ReadDelimited(r protodelim.Reader) error {
	s := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{MaxSize: MaxFrameSize}
	if err := opts.UnmarshalFrom(r, s); err != nil {
		var sizeErr *protodelim.SizeTooLargeError
		if errors.As(err, &sizeErr) {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
			return err
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f.fromProto(s)
}

// toProto converts the Frame into a structpb.Struct.
// Optional string members are omitted when empty.
func (f Frame) toProto() (*structpb.Struct, error) {
	if f.Event == "" {
		return nil, fmt.Errorf("failed to encode frame: empty event")
	}
	m := map[string]any{"event": f.Event}
	if f.ID != "" {
		m["id"] = f.ID
	}
	if f.Sender != "" {
		m["sender"] = f.Sender
	}
	if f.RelationID != "" {
		m["relation_id"] = f.RelationID
	}
	if f.Data != nil {
		m["data"] = f.Data
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return s, nil
}

// fromProto populates the Frame from a structpb.Struct.
func (f *Frame) fromProto(s *structpb.Struct) error {
	fields := s.GetFields()
	event := fields["event"].GetStringValue()
	if event == "" {
		return fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	*f = Frame{
		Event:      event,
		ID:         fields["id"].GetStringValue(),
		Sender:     fields["sender"].GetStringValue(),
		RelationID: fields["relation_id"].GetStringValue(),
	}
	if v, ok := fields["data"]; ok {
		f.Data = v.AsInterface()
	}
	return nil
}
