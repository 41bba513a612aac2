package webrtcpeer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
)

// Connection adapts a pion PeerConnection to mesh.Connection.
type Connection struct {
	pc   *webrtc.PeerConnection
	emit func(mesh.EngineEvent)
	log  *slog.Logger

	mu             sync.Mutex
	restartPending bool
	close          sync.Once
}

var _ mesh.Connection = (*Connection)(nil)

func newConnection(api *webrtc.API, iceServers []webrtc.ICEServer, emit func(mesh.EngineEvent), log *slog.Logger) (*Connection, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &Connection{pc: pc, emit: emit, log: log}

	pc.OnNegotiationNeeded(func() {
		emit(mesh.EngineEvent{Kind: mesh.EngineNegotiationNeeded})
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			emit(mesh.EngineEvent{Kind: mesh.EngineLocalCandidate})
			return
		}
		init := cand.ToJSON()
		emit(mesh.EngineEvent{Kind: mesh.EngineLocalCandidate, Candidate: &init})
	})
	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		emit(mesh.EngineEvent{Kind: mesh.EngineICEGatheringStateChange, GatheringState: state})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		emit(mesh.EngineEvent{Kind: mesh.EngineICEConnectionStateChange, ConnectionState: state})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection state", "state", state.String())
	})

	return c, nil
}

// PeerConnection exposes the underlying pion connection.
func (c *Connection) PeerConnection() *webrtc.PeerConnection {
	return c.pc
}

// CreateOffer creates an ICE-restart offer when RestartICE was called and the
// ICE agent is running, and a plain offer otherwise. A restart request is
// consumed by one offer even when pion rejects it.
func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	restart := c.restartPending
	c.restartPending = false
	c.mu.Unlock()

	if restart && c.pc.ICEConnectionState() != webrtc.ICEConnectionStateNew {
		offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
		if err == nil {
			return offer, nil
		}
		c.log.Warn("ice restart offer failed; sending a plain offer", "err", err)
	}
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *Connection) AddICECandidate(init webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(init)
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) ICEConnectionState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}

func (c *Connection) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(c.pc)
}

func (c *Connection) RestartICE() error {
	c.mu.Lock()
	c.restartPending = true
	c.mu.Unlock()
	c.log.Info("ice restart requested")
	c.emit(mesh.EngineEvent{Kind: mesh.EngineNegotiationNeeded})
	return nil
}

func (c *Connection) CreateDataChannel(label string, id uint16) (mesh.DataChannel, error) {
	negotiated := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return nil, fmt.Errorf("create data channel %q: %w", label, err)
	}
	return dc, nil
}

func (c *Connection) Close() error {
	var err error
	c.close.Do(func() {
		err = c.pc.Close()
	})
	return err
}
