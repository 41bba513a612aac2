// Package signaling is the peer side of the rendezvous protocol.
//
// A Client keeps one WebSocket connection to the rendezvous hub, announces
// the local peer, and delivers inbound envelopes and connection-state events
// to a single registered Handler. Envelope and frame types are shared with the
// hub implementation in internal/rendezvous.
package signaling
