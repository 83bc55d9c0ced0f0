package ws

import (
	"encoding/json"
	"log"

	"github.com/blutbaden/chat/internal/protocol"
)

// AppHandler is the callback signature for an application destination. The
// payload is the raw frame body; destination-specific decoding happens in
// the handler.
type AppHandler func(conn *Connection, payload json.RawMessage)

// Dispatcher routes inbound frames by logical destination. Subscribe frames
// are recorded on the connection and forwarded to the subscribe callback;
// send frames go to the handler registered for their destination.
type Dispatcher struct {
	handlers    map[string]AppHandler
	onSubscribe func(conn *Connection, destination string)
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]AppHandler)}
}

// Register associates a handler with an application destination. A handler
// already registered for the destination is silently replaced.
func (d *Dispatcher) Register(destination string, handler AppHandler) {
	d.handlers[destination] = handler
}

// OnSubscribe registers the callback invoked for every subscribe frame,
// after the subscription has been recorded on the connection.
func (d *Dispatcher) OnSubscribe(fn func(conn *Connection, destination string)) {
	d.onSubscribe = fn
}

// Dispatch is the server's frame callback. Parse errors and unregistered
// destinations produce an error frame back to the client; they never
// propagate.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		log.Printf("ws: dispatch parse error login=%s: %v", conn.Login, err)
		d.SendError(conn, "parse_error", "invalid frame format")
		return
	}

	if frame.Subscribe {
		conn.AddSubscription(frame.Destination)
		if d.onSubscribe != nil {
			d.onSubscribe(conn, frame.Destination)
		}
		return
	}

	handler, ok := d.handlers[frame.Destination]
	if !ok {
		log.Printf("ws: unsupported destination %q login=%s", frame.Destination, conn.Login)
		d.SendError(conn, "unsupported_destination", "unsupported destination")
		return
	}

	handler(conn, frame.Payload)
}

// SendError sends a structured error frame back to the client. Errors during
// construction or transmission are logged but not propagated.
func (d *Dispatcher) SendError(conn *Connection, code, message string) {
	data, err := protocol.NewServerFrame(protocol.DestErrors, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error frame login=%s: %v", conn.Login, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error frame login=%s: %v", conn.Login, err)
	}
}
