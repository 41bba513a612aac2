package signaling

import "fmt"

// EventKind enumerates the connection-state changes a Client reports.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventError
	EventReconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventReconnected:
		return "reconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event carries no payload contract beyond Kind. Err is set for
// EventError and, when known, for EventDisconnected. Attempt counts failed
// dials before an EventReconnected.
type Event struct {
	Kind    EventKind
	Err     error
	Attempt int
}

// Message is an inbound envelope as seen by the handler.
type Message struct {
	From    string
	Target  string
	Payload Payload
}

// Handler receives everything a Client observes. Methods are called from the
// client's read goroutine and must not block for long.
type Handler interface {
	HandleSignal(Message)
	HandleTransportEvent(Event)
}
