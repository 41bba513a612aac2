package mesh

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Engine creates one Connection per remote peer. emit may be called from any
// goroutine.
type Engine interface {
	NewConnection(peerID string, emit func(EngineEvent)) (Connection, error)
}

// Connection is the subset of a PeerConnection the orchestrator drives. SDP and
// candidates are forwarded without being inspected.
type Connection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ICEConnectionState() webrtc.ICEConnectionState

	// GatheringComplete returns a channel closed once ICE gathering finishes
	// for the next local description. It must be obtained before
	// SetLocalDescription.
	GatheringComplete() <-chan struct{}

	// RestartICE marks the next offer as an ICE restart and raises
	// EngineNegotiationNeeded.
	RestartICE() error

	// CreateDataChannel opens a pre-negotiated channel with a fixed id so both
	// ends attach to the same stream without in-band negotiation.
	CreateDataChannel(label string, id uint16) (DataChannel, error)

	Close() error
}

// DataChannel is satisfied by *webrtc.DataChannel.
type DataChannel interface {
	Label() string
	ID() *uint16
	OnOpen(func())
	OnMessage(func(webrtc.DataChannelMessage))
	OnClose(func())
	Send([]byte) error
	SendText(string) error
	Close() error
}

type EngineEventKind int

const (
	EngineNegotiationNeeded EngineEventKind = iota + 1
	// EngineLocalCandidate carries a nil Candidate at the end of gathering.
	EngineLocalCandidate
	EngineICEGatheringStateChange
	EngineICEConnectionStateChange
)

func (k EngineEventKind) String() string {
	switch k {
	case EngineNegotiationNeeded:
		return "negotiation_needed"
	case EngineLocalCandidate:
		return "local_candidate"
	case EngineICEGatheringStateChange:
		return "ice_gathering_state_change"
	case EngineICEConnectionStateChange:
		return "ice_connection_state_change"
	default:
		return fmt.Sprintf("EngineEventKind(%d)", int(k))
	}
}

type EngineEvent struct {
	Kind EngineEventKind

	Candidate       *webrtc.ICECandidateInit
	GatheringState  webrtc.ICEGatheringState
	ConnectionState webrtc.ICEConnectionState
}
