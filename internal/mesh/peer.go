package mesh

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type State int32

const (
	StateConnecting State = iota + 1
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Identity names the local peer.
type Identity struct {
	ID   string
	Type string
}

// Peer is the record for one remote peer. Exported accessors are safe from
// any goroutine; the negotiation flags are only touched by the manager loop.
type Peer struct {
	id         string
	peerType   string
	polite     bool
	canTrickle bool

	conn        Connection
	dataChannel DataChannel

	makingOffer bool
	ignoreOffer bool
	iceState    webrtc.ICEConnectionState

	// negotiationPending records a negotiation request that arrived while an
	// offer was in flight.
	negotiationPending bool

	state   atomic.Int32
	closed  chan struct{}
	manager *Manager
}

func (p *Peer) ID() string       { return p.id }
func (p *Peer) Type() string     { return p.peerType }
func (p *Peer) Polite() bool     { return p.polite }
func (p *Peer) CanTrickle() bool { return p.canTrickle }

// DataChannel is nil when data channels are disabled or could not be created.
func (p *Peer) DataChannel() DataChannel { return p.dataChannel }

func (p *Peer) State() State { return State(p.state.Load()) }

// Done is closed when the peer is removed.
func (p *Peer) Done() <-chan struct{} { return p.closed }

// Remove asks the manager to tear this peer down. It is a no-op if the peer
// was already removed.
func (p *Peer) Remove() {
	p.manager.post(event{kind: evRemovePeer, peerID: p.id, peer: p})
}

func (p *Peer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// refreshState recomputes the exported state from the loop-owned fields.
func (p *Peer) refreshState() {
	var s State
	switch {
	case p.isClosed():
		s = StateClosed
	case p.iceState == webrtc.ICEConnectionStateConnected || p.iceState == webrtc.ICEConnectionStateCompleted:
		s = StateConnected
	case p.makingOffer || p.conn.SignalingState() != webrtc.SignalingStateStable:
		s = StateNegotiating
	default:
		s = StateConnecting
	}
	p.state.Store(int32(s))
}

// channelLabel is identical on both ends of a pair.
func channelLabel(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "mesh:" + strings.Join(ids, ":")
}

// peerStore maps peer ids to records. Writes happen on the manager loop; the
// lock lets other goroutines take snapshots.
type peerStore struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func newPeerStore() *peerStore {
	return &peerStore{peers: make(map[string]*Peer)}
}

func (s *peerStore) get(id string) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// put reports false if id is already taken.
func (s *peerStore) put(p *Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p.id]; ok {
		return false
	}
	s.peers[p.id] = p
	return true
}

func (s *peerStore) delete(p *Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[p.id] != p {
		return false
	}
	delete(s.peers, p.id)
	return true
}

// list returns records sorted by id.
func (s *peerStore) list() []*Peer {
	s.mu.RLock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *peerStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
