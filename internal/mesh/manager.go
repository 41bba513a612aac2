package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// Sender delivers payloads to a single peer. *signaling.Client implements it.
type Sender interface {
	SendTo(peerID string, payload signaling.Payload) error
}

// DataChannelHandler is called on the manager loop right after a peer's data
// channel is created. It should only register callbacks. Errors and panics
// are logged and do not affect admission.
type DataChannelHandler func(self Identity, peer *Peer) error

type Options struct {
	Self Identity

	Engine    Engine
	Signaling Sender

	EnableDataChannel  bool
	DataChannelHandler DataChannelHandler

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager is the negotiation orchestrator for one local peer.
type Manager struct {
	self      Identity
	engine    Engine
	signaling Sender

	enableDataChannel bool
	onDataChannel     DataChannelHandler

	log     *slog.Logger
	metrics *metrics.Metrics

	queue   *eventQueue
	store   *peerStore
	running atomic.Bool
	stopped chan struct{}
}

func New(opts Options) (*Manager, error) {
	if opts.Engine == nil {
		return nil, ErrNoEngine
	}
	if opts.Signaling == nil {
		return nil, ErrNoSignaling
	}
	if opts.Self.ID == "" {
		return nil, fmt.Errorf("mesh manager requires a peer id")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		self:              opts.Self,
		engine:            opts.Engine,
		signaling:         opts.Signaling,
		enableDataChannel: opts.EnableDataChannel,
		onDataChannel:     opts.DataChannelHandler,
		log:               logger.With("component", "mesh", "self_id", opts.Self.ID),
		metrics:           opts.Metrics,
		queue:             newEventQueue(),
		store:             newPeerStore(),
		stopped:           make(chan struct{}),
	}, nil
}

func (m *Manager) Self() Identity { return m.self }

// Run processes events until ctx is cancelled, then closes every peer.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	stop := context.AfterFunc(ctx, m.queue.close)
	defer stop()

	for {
		ev, ok := m.queue.pop()
		if !ok {
			break
		}
		m.handle(ev)
	}

	m.removeAll("manager stopped")
	close(m.stopped)
	return ctx.Err()
}

// HandleSignal queues an inbound signaling message.
func (m *Manager) HandleSignal(msg signaling.Message) {
	m.post(event{kind: evSignal, signal: msg})
}

// HandleTransportEvent queues a signaling connection-state change.
func (m *Manager) HandleTransportEvent(ev signaling.Event) {
	m.post(event{kind: evTransport, transport: ev})
}

// AddPeer queues admission of a peer. Adding an id that is already present
// does nothing.
func (m *Manager) AddPeer(id, peerType string, polite, canTrickle bool) {
	m.post(event{kind: evAddPeer, add: addPeerRequest{
		id:         id,
		peerType:   peerType,
		polite:     polite,
		canTrickle: canTrickle,
	}})
}

// RemovePeer queues removal of a peer. Unknown ids are ignored.
func (m *Manager) RemovePeer(id string) {
	m.post(event{kind: evRemovePeer, peerID: id})
}

// Peers returns a snapshot of the current records sorted by id.
func (m *Manager) Peers() []*Peer { return m.store.list() }

// Peer returns the record for id, or nil.
func (m *Manager) Peer(id string) *Peer { return m.store.get(id) }

func (m *Manager) post(ev event) {
	if !m.queue.push(ev) {
		m.log.Debug("dropping event after shutdown", "kind", ev.kind)
	}
}

func (m *Manager) handle(ev event) {
	switch ev.kind {
	case evSignal:
		m.handleSignal(ev.signal)
	case evTransport:
		m.handleTransport(ev.transport)
	case evAddPeer:
		m.addPeer(ev.add)
	case evRemovePeer:
		m.removePeer(ev.peerID, ev.peer)
	case evEngine:
		if m.current(ev.peer) {
			m.handleEngine(ev.peer, ev.engine)
			ev.peer.refreshState()
		}
	case evDescriptionReady:
		if m.current(ev.peer) {
			m.descriptionReady(ev.peer, ev.offer)
			ev.peer.refreshState()
		}
	}
}

// current reports whether p is still the live record for its id.
func (m *Manager) current(p *Peer) bool {
	return p != nil && m.store.get(p.id) == p
}

func (m *Manager) handleSignal(msg signaling.Message) {
	p := msg.Payload
	switch p.Action {
	case signaling.ActionOpen:
		for _, entry := range p.Connections {
			if entry.PeerID == "" || entry.PeerID == m.self.ID {
				continue
			}
			m.addPeer(addPeerRequest{
				id:         entry.PeerID,
				peerType:   entry.PeerType,
				polite:     entry.IsPolite(p.BePolite),
				canTrickle: entry.CanTrickle(),
			})
		}
	case signaling.ActionClose:
		m.removePeer(msg.From, nil)
	case signaling.ActionSDP, signaling.ActionICE:
		peer := m.store.get(msg.From)
		if peer == nil {
			m.log.Debug("ignoring message for unknown peer", "peer_id", msg.From, "action", p.Action)
			return
		}
		if p.Action == signaling.ActionSDP {
			m.updateSessionDescription(peer, p.SDP)
		} else {
			m.updateICECandidate(peer, p.ICE)
		}
		peer.refreshState()
	default:
		m.log.Warn("ignoring signaling message with unknown action", "peer_id", msg.From, "action", p.Action)
	}
}

func (m *Manager) handleTransport(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventDisconnected:
		m.log.Info("signaling disconnected; removing all peers", "peers", m.store.len(), "err", ev.Err)
		m.removeAll("signaling disconnected")
	case signaling.EventError:
		m.log.Warn("signaling error", "err", ev.Err)
	case signaling.EventReconnected:
		m.log.Info("signaling reconnected", "failed_attempts", ev.Attempt)
	default:
		m.log.Debug("signaling event", "kind", ev.Kind)
	}
}

func (m *Manager) addPeer(req addPeerRequest) {
	log := m.log.With("peer_id", req.id)
	if m.store.get(req.id) != nil {
		log.Info("peer already present; ignoring add")
		return
	}

	peer := &Peer{
		id:         req.id,
		peerType:   req.peerType,
		polite:     req.polite,
		canTrickle: req.canTrickle,
		closed:     make(chan struct{}),
		manager:    m,
	}
	conn, err := m.engine.NewConnection(req.id, func(ev EngineEvent) {
		m.post(event{kind: evEngine, peer: peer, engine: ev})
	})
	if err != nil {
		log.Error("create connection", "err", err)
		return
	}
	peer.conn = conn

	if m.enableDataChannel {
		dc, err := conn.CreateDataChannel(channelLabel(m.self.ID, req.id), 0)
		if err != nil {
			log.Warn("create data channel", "err", err)
		} else {
			peer.dataChannel = dc
		}
	}

	peer.refreshState()
	m.store.put(peer)
	m.metrics.Inc(metrics.PeersAdded)
	log.Info("peer added", "peer_type", req.peerType, "polite", req.polite, "can_trickle", req.canTrickle)

	if peer.dataChannel != nil && m.onDataChannel != nil {
		m.runDataChannelHandler(peer)
	}
}

func (m *Manager) runDataChannelHandler(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("data channel handler panicked", "peer_id", peer.id, "panic", r)
		}
	}()
	if err := m.onDataChannel(m.self, peer); err != nil {
		m.log.Error("data channel handler failed", "peer_id", peer.id, "err", err)
	}
}

// removePeer tears down the record for id. When want is set, only that exact
// record is removed.
func (m *Manager) removePeer(id string, want *Peer) {
	peer := m.store.get(id)
	if peer == nil || (want != nil && peer != want) {
		return
	}
	m.closePeer(peer)
	m.log.Info("peer removed", "peer_id", id)
}

func (m *Manager) removeAll(reason string) {
	for _, peer := range m.store.list() {
		m.closePeer(peer)
		m.log.Info("peer removed", "peer_id", peer.id, "reason", reason)
	}
}

func (m *Manager) closePeer(peer *Peer) {
	if !m.store.delete(peer) {
		return
	}
	close(peer.closed)
	if peer.dataChannel != nil {
		if err := peer.dataChannel.Close(); err != nil {
			m.log.Debug("close data channel", "peer_id", peer.id, "err", err)
		}
	}
	if err := peer.conn.Close(); err != nil {
		m.log.Debug("close connection", "peer_id", peer.id, "err", err)
	}
	peer.refreshState()
	m.metrics.Inc(metrics.PeersRemoved)
}

func (m *Manager) send(peer *Peer, payload signaling.Payload) bool {
	if err := m.signaling.SendTo(peer.id, payload); err != nil {
		m.log.Warn("signaling send failed", "peer_id", peer.id, "action", payload.Action, "err", err)
		return false
	}
	return true
}
