package protocol

import (
	"errors"
	"fmt"
)

// Keys of the handshake authentication object.
const (
	KeyUsername   = "ix_username"
	KeyPassword   = "ix_password"
	KeyRelationID = "relation_id"
)

// ErrNotConnectFrame is returned by ParseAuth for any frame other than connect.
var ErrNotConnectFrame = errors.New("not a connect frame")

// Auth is the authentication object carried by the connect frame.
type Auth struct {
	Username   string
	Password   string
	RelationID string
}

// EmitEvent returns the send path selected by the handshake: the relation
// path when a relation id was supplied, the local path otherwise.
func (a Auth) EmitEvent() string {
	if a.RelationID != "" {
		return EventRelationEmit
	}
	return EventLocalEmit
}

// Frame builds the connect frame carrying a.
func (a Auth) Frame() Frame {
	data := map[string]any{
		KeyUsername: a.Username,
		KeyPassword: a.Password,
	}
	if a.RelationID != "" {
		data[KeyRelationID] = a.RelationID
	}
	return Frame{Event: EventConnect, Data: data}
}

// ParseAuth extracts the authentication object from a connect frame.
// Missing required fields are reported as errors; relation_id is optional.
func ParseAuth(f Frame) (Auth, error) {
	if f.Event != EventConnect {
		return Auth{}, fmt.Errorf("%w: got %q", ErrNotConnectFrame, f.Event)
	}
	m, ok := f.Object()
	if !ok {
		return Auth{}, fmt.Errorf("connect frame carries no auth object")
	}
	a := Auth{
		Username:   stringField(m, KeyUsername),
		Password:   stringField(m, KeyPassword),
		RelationID: stringField(m, KeyRelationID),
	}
	if a.Username == "" {
		return a, fmt.Errorf("%s is required", KeyUsername)
	}
	if a.Password == "" {
		return a, fmt.Errorf("%s is required", KeyPassword)
	}
	return a, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
