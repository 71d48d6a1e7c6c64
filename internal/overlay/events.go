package overlay

import "github.com/libp2p/go-libp2p/core/peer"

// EventKind discriminates the events the overlay's event task produces
// (spec §4.1: "the overlay ... produces events
// {ResponseReceived, RequestFailed, RequestReceived}").
type EventKind int

const (
	EventResponseReceived EventKind = iota
	EventRequestFailed
	EventRequestReceived
)

func (k EventKind) String() string {
	switch k {
	case EventResponseReceived:
		return "ResponseReceived"
	case EventRequestFailed:
		return "RequestFailed"
	case EventRequestReceived:
		return "RequestReceived"
	default:
		return "Unknown"
	}
}

// Event is one overlay event delivered on the Overlay's Events() channel.
type Event struct {
	Kind      EventKind
	RequestID uint64
	Peer      peer.ID

	// Success/Message are populated for ResponseReceived (the ACK content).
	Success bool
	Message string

	// Body is populated for RequestReceived (the request payload the peer
	// sent, already past the generic ACK handshake).
	Body []byte

	// Err is populated for RequestFailed (timeout, connection loss, or
	// deserialisation error — spec §4.1).
	Err error
}
