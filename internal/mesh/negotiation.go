package mesh

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

func (m *Manager) handleEngine(peer *Peer, ev EngineEvent) {
	switch ev.Kind {
	case EngineNegotiationNeeded:
		m.negotiationNeeded(peer)
	case EngineLocalCandidate:
		// Peers that cannot trickle get every candidate inside the SDP.
		if !peer.canTrickle {
			return
		}
		m.send(peer, signaling.Payload{
			Action: signaling.ActionICE,
			ICE:    signaling.CandidateFromPion(ev.Candidate),
		})
	case EngineICEGatheringStateChange:
		m.log.Debug("ice gathering state", "peer_id", peer.id, "state", ev.GatheringState.String())
	case EngineICEConnectionStateChange:
		peer.iceState = ev.ConnectionState
		m.log.Info("ice connection state", "peer_id", peer.id, "state", ev.ConnectionState.String())
		if ev.ConnectionState == webrtc.ICEConnectionStateFailed {
			m.metrics.Inc(metrics.ICERestarts)
			if err := peer.conn.RestartICE(); err != nil {
				m.log.Warn("restart ice", "peer_id", peer.id, "err", err)
			}
		}
	}
}

// negotiationNeeded creates and sends an offer. Only the impolite side offers;
// the polite side waits for one.
func (m *Manager) negotiationNeeded(peer *Peer) {
	log := m.log.With("peer_id", peer.id)
	if peer.polite {
		log.Debug("negotiation needed; waiting for offer as polite peer")
		return
	}
	if peer.makingOffer {
		log.Debug("negotiation needed while an offer is in flight; deferring")
		peer.negotiationPending = true
		return
	}
	peer.negotiationPending = false

	peer.makingOffer = true
	handedOff := false
	defer func() {
		if !handedOff {
			peer.makingOffer = false
		}
	}()

	offer, err := peer.conn.CreateOffer()
	if err != nil {
		log.Error("create offer", "err", err)
		return
	}
	gathered := peer.conn.GatheringComplete()
	if err := peer.conn.SetLocalDescription(offer); err != nil {
		log.Error("set local offer", "err", err)
		return
	}

	if !peer.canTrickle {
		handedOff = true
		m.awaitGathering(peer, gathered, true)
		return
	}
	m.sendLocalDescription(peer, offer)
}

// awaitGathering posts a descriptionReady event once gathering finishes. The
// wait runs off the loop so other peers keep negotiating.
func (m *Manager) awaitGathering(peer *Peer, gathered <-chan struct{}, offer bool) {
	m.log.Debug("waiting for ice gathering before sending description", "peer_id", peer.id, "offer", offer)
	go func() {
		select {
		case <-gathered:
			m.post(event{kind: evDescriptionReady, peer: peer, offer: offer})
		case <-peer.closed:
		case <-m.stopped:
		}
	}()
}

func (m *Manager) descriptionReady(peer *Peer, offer bool) {
	if offer {
		defer func() {
			peer.makingOffer = false
			m.resumeNegotiation(peer)
		}()
	}
	desc := peer.conn.LocalDescription()
	if desc == nil {
		return
	}
	want := webrtc.SDPTypeAnswer
	if offer {
		want = webrtc.SDPTypeOffer
	}
	if desc.Type != want {
		// Superseded while gathering, e.g. by a rollback.
		m.log.Debug("local description changed while gathering", "peer_id", peer.id, "type", desc.Type.String())
		return
	}
	m.sendLocalDescription(peer, *desc)
}

func (m *Manager) sendLocalDescription(peer *Peer, fallback webrtc.SessionDescription) {
	desc := fallback
	if local := peer.conn.LocalDescription(); local != nil {
		desc = *local
	}
	if !m.send(peer, signaling.Payload{Action: signaling.ActionSDP, SDP: signaling.SDPFromPion(desc)}) {
		return
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		m.metrics.Inc(metrics.OffersSent)
	case webrtc.SDPTypeAnswer:
		m.metrics.Inc(metrics.AnswersSent)
	}
	m.log.Debug("sent description", "peer_id", peer.id, "type", desc.Type.String())
}

// resumeNegotiation runs a deferred negotiation once no offer is in flight and
// the signaling state is back to stable.
func (m *Manager) resumeNegotiation(peer *Peer) {
	if !peer.negotiationPending || peer.makingOffer {
		return
	}
	if peer.conn.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	m.negotiationNeeded(peer)
}

func (m *Manager) updateSessionDescription(peer *Peer, sdp *signaling.SDP) {
	log := m.log.With("peer_id", peer.id)
	if sdp == nil {
		log.Warn("sdp message without description")
		return
	}
	desc, err := sdp.ToPion()
	if err != nil {
		log.Warn("invalid remote description", "err", err)
		return
	}

	isOffer := desc.Type == webrtc.SDPTypeOffer
	stable := peer.conn.SignalingState() == webrtc.SignalingStateStable
	collision := isOffer && (peer.makingOffer || !stable)

	peer.ignoreOffer = !peer.polite && collision
	if peer.ignoreOffer {
		m.metrics.Inc(metrics.OffersIgnored)
		log.Debug("ignoring colliding offer as impolite peer")
		return
	}

	if collision && !stable {
		if err := peer.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			log.Error("rollback local description", "err", err)
			return
		}
		m.metrics.Inc(metrics.Rollbacks)
		log.Debug("rolled back local description for colliding offer")
	}

	if err := peer.conn.SetRemoteDescription(desc); err != nil {
		log.Error("set remote description", "type", desc.Type.String(), "err", err)
		return
	}
	if !isOffer {
		m.resumeNegotiation(peer)
		return
	}

	answer, err := peer.conn.CreateAnswer()
	if err != nil {
		log.Error("create answer", "err", err)
		return
	}
	gathered := peer.conn.GatheringComplete()
	if err := peer.conn.SetLocalDescription(answer); err != nil {
		log.Error("set local answer", "err", err)
		return
	}
	if !peer.canTrickle {
		m.awaitGathering(peer, gathered, false)
		return
	}
	m.sendLocalDescription(peer, answer)
}

func (m *Manager) updateICECandidate(peer *Peer, candidate *signaling.Candidate) {
	if candidate == nil {
		return
	}
	if err := peer.conn.AddICECandidate(candidate.ToPion()); err != nil {
		if peer.ignoreOffer {
			return
		}
		m.metrics.Inc(metrics.CandidateAddFailures)
		m.log.Warn("add ice candidate", "peer_id", peer.id, "err", err)
	}
}
