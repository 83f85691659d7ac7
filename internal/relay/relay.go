// Package relay provides the room-scoped, best-effort broadcast channels that
// carry signaling envelopes between participants.
//
// A Relay handle is acquired on room entry and released with Close on room
// exit. Send is fire-and-forget to every other subscriber of the room; there
// is no acknowledgement, no retry and no ordering across senders.
package relay

import (
	"errors"

	"github.com/dkeye/roommesh/internal/signal"
)

var (
	ErrClosed       = errors.New("relay closed")
	ErrBackpressure = errors.New("backpressure")
)

type Relay interface {
	Send(*signal.Envelope) error
	// Envelopes delivers inbound envelopes. Closed when the relay ends.
	Envelopes() <-chan *signal.Envelope
	// Done is closed when the underlying transport drops or Close is called.
	Done() <-chan struct{}
	Close() error
}

type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}
