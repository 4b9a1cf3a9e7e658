package protocol

import "errors"

// ErrEmptyPayload and ErrPayloadNotObject describe payloads that may not be
// relayed. Payloads must be non-empty objects.
var (
	ErrEmptyPayload     = errors.New("payload is empty")
	ErrPayloadNotObject = errors.New("payload is not an object")
)

// Delivery status values reported in delivery_status frames.
const (
	StatusDelivered = "delivered"
	StatusDropped   = "dropped"
	StatusRejected  = "rejected"
)

// ValidatePayload returns data as an object, or an error when it is nil,
// not a map, or an empty map.
func ValidatePayload(data any) (map[string]any, error) {
	if data == nil {
		return nil, ErrEmptyPayload
	}
	m, ok := data.(map[string]any)
	if !ok {
		return nil, ErrPayloadNotObject
	}
	if len(m) == 0 {
		return nil, ErrEmptyPayload
	}
	return m, nil
}

// DeliveryStatus builds the delivery_status frame for message id.
// code and reason are omitted when empty.
func DeliveryStatus(id, status, code, reason string) Frame {
	data := map[string]any{"status": status}
	if code != "" {
		data["code"] = code
	}
	if reason != "" {
		data["reason"] = reason
	}
	return Frame{Event: EventDeliveryStatus, ID: id, Data: data}
}

// Status is the decoded form of a delivery_status frame.
type Status struct {
	ID     string
	Status string
	Code   string
	Reason string
}

// ParseStatus decodes a delivery_status frame.
func ParseStatus(f Frame) (Status, bool) {
	if f.Event != EventDeliveryStatus {
		return Status{}, false
	}
	m, _ := f.Object()
	return Status{
		ID:     f.ID,
		Status: stringField(m, "status"),
		Code:   stringField(m, "code"),
		Reason: stringField(m, "reason"),
	}, true
}
