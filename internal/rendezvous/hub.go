// Package rendezvous is the hub peers use to find each other and exchange
// negotiation messages. It never looks inside SDP or candidates.
package rendezvous

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// HubPeerID is the sender id used on roster messages the hub originates.
const HubPeerID = "rendezvous"

var (
	ErrDuplicatePeerID = errors.New("peer id already registered")
	ErrHubFull         = errors.New("rendezvous peer limit reached")
)

type member struct {
	id         string
	peerType   string
	canTrickle bool
	connID     string
	queue      *signaling.SendQueue
}

// Hub tracks registered peers and routes frames between them.
type Hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	maxPeers int

	mu    sync.Mutex
	peers map[string]*member
}

func NewHub(logger *slog.Logger, m *metrics.Metrics, maxPeers int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:      logger.With("component", "rendezvous"),
		metrics:  m,
		maxPeers: maxPeers,
		peers:    make(map[string]*member),
	}
}

func newMember(ready signaling.Frame, queue *signaling.SendQueue) *member {
	canTrickle := ready.CanTrickleICECandidates == nil || *ready.CanTrickleICECandidates
	return &member{
		id:         ready.PeerID,
		peerType:   ready.PeerType,
		canTrickle: canTrickle,
		connID:     uuid.NewString(),
		queue:      queue,
	}
}

// PeerIDs returns the registered ids in sorted order.
func (h *Hub) PeerIDs() []string {
	h.mu.Lock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// register adds m and introduces it to everyone else. Existing peers are told
// first so their record for the newcomer exists before the newcomer's offer
// reaches them. The newcomer is impolite towards every existing peer.
func (h *Hub) register(m *member) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[m.id]; ok || m.id == HubPeerID {
		h.metrics.Inc(metrics.UniquenessConflicts)
		return ErrDuplicatePeerID
	}
	if h.maxPeers > 0 && len(h.peers) >= h.maxPeers {
		return ErrHubFull
	}

	existing := make([]*member, 0, len(h.peers))
	for _, p := range h.peers {
		existing = append(existing, p)
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].id < existing[j].id })

	for _, p := range existing {
		h.enqueueLocked(p, signaling.FrameMessage, signaling.Envelope{
			From:   HubPeerID,
			Target: p.id,
			Payload: signaling.Payload{
				Action:      signaling.ActionOpen,
				BePolite:    signaling.Bool(true),
				Connections: []signaling.RosterEntry{rosterEntry(m, true)},
			},
		})
	}

	roster := make([]signaling.RosterEntry, 0, len(existing))
	for _, p := range existing {
		roster = append(roster, rosterEntry(p, false))
	}
	h.enqueueLocked(m, signaling.FrameMessage, signaling.Envelope{
		From:   HubPeerID,
		Target: m.id,
		Payload: signaling.Payload{
			Action:      signaling.ActionOpen,
			BePolite:    signaling.Bool(false),
			Connections: roster,
		},
	})

	h.peers[m.id] = m
	h.metrics.Inc(metrics.PeersRegistered)
	h.log.Info("peer registered", "peer_id", m.id, "peer_type", m.peerType, "conn_id", m.connID, "peers", len(h.peers))
	return nil
}

func rosterEntry(m *member, polite bool) signaling.RosterEntry {
	return signaling.RosterEntry{
		PeerID:                  m.id,
		PeerType:                m.peerType,
		Polite:                  signaling.Bool(polite),
		CanTrickleICECandidates: signaling.Bool(m.canTrickle),
	}
}

// unregister removes m and tells the remaining peers to drop it. It is a
// no-op if m was never registered or has been replaced.
func (h *Hub) unregister(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.peers[m.id] != m {
		return
	}
	delete(h.peers, m.id)
	h.metrics.Inc(metrics.PeersUnregistered)
	h.log.Info("peer unregistered", "peer_id", m.id, "conn_id", m.connID, "peers", len(h.peers))

	for _, p := range h.peers {
		h.enqueueLocked(p, signaling.FrameMessage, signaling.Envelope{
			From:    m.id,
			Target:  signaling.TargetAll,
			Payload: signaling.Payload{Action: signaling.ActionClose},
		})
	}
}

// route forwards a message or messageOne frame from m. The sender id is
// always the authenticated one, whatever the frame claims.
func (h *Hub) route(m *member, frame signaling.Frame) {
	env := *frame.Data
	env.From = m.id

	h.mu.Lock()
	defer h.mu.Unlock()

	switch frame.Event {
	case signaling.FrameMessage:
		env.Target = signaling.TargetAll
		for _, p := range h.peers {
			if p == m {
				continue
			}
			h.enqueueLocked(p, signaling.FrameMessage, env)
		}
	case signaling.FrameMessageOne:
		target := h.peers[env.Target]
		if target == nil || target == m {
			h.metrics.Inc(metrics.MessagesDropped)
			h.log.Debug("dropping message for unknown peer", "from", m.id, "target", env.Target, "action", env.Payload.Action)
			return
		}
		h.enqueueLocked(target, signaling.FrameMessageOne, env)
	}
}

func (h *Hub) enqueueLocked(to *member, event signaling.FrameEvent, env signaling.Envelope) {
	b, err := json.Marshal(signaling.Frame{Event: event, Data: &env})
	if err != nil {
		h.log.Error("encode frame", "err", err)
		return
	}
	if !to.queue.Enqueue(b) {
		h.metrics.Inc(metrics.MessagesDropped)
		h.log.Warn("send queue full; dropping frame", "peer_id", to.id, "action", env.Payload.Action)
		return
	}
	h.metrics.Inc(metrics.MessagesRouted)
}
