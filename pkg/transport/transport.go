// Package transport carries protocol messages between controllers over an
// asynchronous message bus. A Conn is one channel to one messaging endpoint:
// it receives messages sent to the controller's listen address, and responses
// on a reply address negotiated with the endpoint. No message may be sent
// before that reply address exists.
//
// Two implementations are provided: NATS for deployments and Bus, an
// in-process fabric used by tests and the benchmark.
package transport

import "errors"

var (
	// ErrNotReady is returned by Send while no reply address is negotiated.
	ErrNotReady = errors.New("transport: connection not ready")
	// ErrClosed is returned once a connection has been closed.
	ErrClosed = errors.New("transport: connection closed")
)

// Message is one unit carried over a connection.
type Message struct {
	// Address is the destination of the message.
	Address string
	// ReplyTo is where the sender expects responses.
	ReplyTo string
	// CorrelationID matches a response to its request. Zero means no reply is expected.
	CorrelationID uint64
	// Properties are application properties carried beside the body.
	Properties map[string]string
	Body       []byte
	// Response is set on delivery when the message arrived on the reply address.
	Response bool
}

// Callbacks receive connection events. Both may be invoked from transport
// goroutines and must not block.
type Callbacks struct {
	OnMessage func(Message)
	// OnReady reports readiness transitions. A true after a false is a fresh
	// readiness with a new reply address, never a resumed one.
	OnReady func(ready bool)
}

func (cb Callbacks) message(m Message) {
	if cb.OnMessage != nil {
		cb.OnMessage(m)
	}
}

func (cb Callbacks) ready(r bool) {
	if cb.OnReady != nil {
		cb.OnReady(r)
	}
}

type Conn interface {
	// Open starts receiving messages sent to listen and negotiates the reply address.
	Open(listen string, cb Callbacks) error
	// Send queues msg without waiting for delivery.
	Send(msg Message) error
	Ready() bool
	ReplyAddress() string
	Close() error
}
