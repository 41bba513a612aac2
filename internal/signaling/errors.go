package signaling

import "errors"

var (
	// ErrPeerIDConflict is returned when the rendezvous already has a peer
	// registered under our id. It is not retried.
	ErrPeerIDConflict = errors.New("peer id already claimed")
	ErrClientClosed   = errors.New("signaling client closed")
	ErrNotConnected   = errors.New("signaling client not connected")
	ErrQueueFull      = errors.New("signaling send queue full")
)
