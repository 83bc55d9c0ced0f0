package protocol

import (
	"encoding/json"
	"fmt"
)

// DestErrors is the pseudo-destination used to surface rejections (e.g. an
// invalid state value) back to the offending connection.
const DestErrors = "/queue/errors"

// ServerFrame is the outbound envelope: the destination the payload was
// delivered on plus the payload itself (a notification, or an error body).
type ServerFrame struct {
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
}

// ErrorPayload is the body of a /queue/errors frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServerFrame marshals payload and wraps it in a ServerFrame addressed to
// destination, returning the encoded bytes ready for the socket.
func NewServerFrame(destination string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal server payload: %w", err)
	}
	out, err := json.Marshal(ServerFrame{Destination: destination, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal server frame: %w", err)
	}
	return out, nil
}

// WrapRaw wraps an already-encoded payload in a ServerFrame without
// re-marshalling it. Used by the NATS bridge, which receives notification
// bytes ready for delivery.
func WrapRaw(destination string, payload []byte) ([]byte, error) {
	out, err := json.Marshal(ServerFrame{Destination: destination, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: wrap raw payload: %w", err)
	}
	return out, nil
}
