package mesh

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type eventKind int

const (
	evSignal eventKind = iota + 1
	evTransport
	evEngine
	evAddPeer
	evRemovePeer
	evDescriptionReady
)

// event is one unit of work for the loop. Only the fields for its kind are
// set.
type event struct {
	kind eventKind

	signal    signaling.Message
	transport signaling.Event

	// peer pins engine events and continuations to the record that produced
	// them. Events for a record that has since been replaced are dropped.
	peer   *Peer
	engine EngineEvent

	add    addPeerRequest
	peerID string

	// descriptionReady: which local description finished gathering.
	offer bool
}

type addPeerRequest struct {
	id         string
	peerType   string
	polite     bool
	canTrickle bool
}
