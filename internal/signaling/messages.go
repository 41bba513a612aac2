package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
	ActionSDP   Action = "sdp"
	ActionICE   Action = "ice"
)

// TargetAll addresses every other peer known to the rendezvous.
const TargetAll = "all"

// Envelope is the unit routed by the rendezvous between peers.
type Envelope struct {
	From    string  `json:"from"`
	Target  string  `json:"target"`
	Payload Payload `json:"payload"`
}

type Payload struct {
	Action Action `json:"action"`

	// open
	Connections []RosterEntry `json:"connections,omitempty"`
	BePolite    *bool         `json:"bePolite,omitempty"`

	// sdp
	SDP *SDP `json:"sdp,omitempty"`

	// ice; absent means end of candidates.
	ICE *Candidate `json:"ice,omitempty"`
}

// RosterEntry describes one peer in an "open" message. Polite is the role the
// receiver must take towards that peer.
type RosterEntry struct {
	PeerID                  string `json:"peerId"`
	PeerType                string `json:"peerType"`
	Polite                  *bool  `json:"polite,omitempty"`
	CanTrickleICECandidates *bool  `json:"canTrickleIceCandidates,omitempty"`
}

// IsPolite resolves the entry's role, falling back to the message-wide
// bePolite flag and then to impolite.
func (e RosterEntry) IsPolite(bePolite *bool) bool {
	if e.Polite != nil {
		return *e.Polite
	}
	if bePolite != nil {
		return *bePolite
	}
	return false
}

// CanTrickle defaults to true when the entry does not say.
func (e RosterEntry) CanTrickle() bool {
	return e.CanTrickleICECandidates == nil || *e.CanTrickleICECandidates
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) *SDP {
	return &SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	case "pranswer":
		t = webrtc.SDPTypePranswer
	case "rollback":
		t = webrtc.SDPTypeRollback
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateFromPion returns nil for a nil init, which is how the end of
// candidate gathering is signalled on the wire.
func CandidateFromPion(init *webrtc.ICECandidateInit) *Candidate {
	if init == nil {
		return nil
	}
	return &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type FrameEvent string

const (
	FrameReady           FrameEvent = "ready"
	FrameMessage         FrameEvent = "message"
	FrameMessageOne      FrameEvent = "messageOne"
	FrameUniquenessError FrameEvent = "uniquenessError"
	FrameError           FrameEvent = "error"
)

// Frame is one WebSocket text message between a peer and the rendezvous.
type Frame struct {
	Event FrameEvent `json:"event"`

	// ready
	PeerID                  string `json:"peerId,omitempty"`
	PeerType                string `json:"peerType,omitempty"`
	CanTrickleICECandidates *bool  `json:"canTrickleIceCandidates,omitempty"`

	// message, messageOne
	Data *Envelope `json:"data,omitempty"`

	// uniquenessError, error
	Message string `json:"message,omitempty"`
}

// ParseFrame decodes a single frame, rejecting unknown fields and trailing
// data.
func ParseFrame(data []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Frame{}, errors.New("unexpected trailing data")
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Event {
	case FrameReady:
		if f.PeerID == "" {
			return errors.New("ready frame missing peerId")
		}
		if f.PeerID == TargetAll {
			return fmt.Errorf("peer id %q is reserved", TargetAll)
		}
		if f.Data != nil {
			return errors.New("ready frame has unexpected data")
		}
	case FrameMessage:
		if f.Data == nil {
			return errors.New("message frame missing data")
		}
	case FrameMessageOne:
		if f.Data == nil {
			return errors.New("messageOne frame missing data")
		}
		if f.Data.Target == "" || f.Data.Target == TargetAll {
			return fmt.Errorf("messageOne frame has invalid target %q", f.Data.Target)
		}
	case FrameUniquenessError, FrameError:
		if f.Data != nil {
			return fmt.Errorf("%s frame has unexpected data", f.Event)
		}
	default:
		return fmt.Errorf("unsupported frame event %q", f.Event)
	}
	return nil
}

// Bool returns a pointer to v, for the optional flags in roster entries.
func Bool(v bool) *bool {
	return &v
}
