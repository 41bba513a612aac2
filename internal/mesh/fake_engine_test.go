package mesh

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type fakeEngine struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
	err   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{conns: make(map[string][]*fakeConn)}
}

func (e *fakeEngine) NewConnection(peerID string, emit func(EngineEvent)) (Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	c := &fakeConn{
		peerID:   peerID,
		emit:     emit,
		state:    webrtc.SignalingStateStable,
		gathered: make(chan struct{}),
	}
	e.conns[peerID] = append(e.conns[peerID], c)
	return c, nil
}

// conn returns the most recent connection created for peerID.
func (e *fakeEngine) conn(t *testing.T, peerID string) *fakeConn {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	cs := e.conns[peerID]
	if len(cs) == 0 {
		t.Fatalf("no connection created for %q", peerID)
	}
	return cs[len(cs)-1]
}

func (e *fakeEngine) count(peerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns[peerID])
}

// fakeConn models just enough of the JSEP signaling state machine for the
// orchestrator: offers move to have-local-offer or have-remote-offer, answers
// and rollbacks return to stable.
type fakeConn struct {
	peerID string
	emit   func(EngineEvent)

	mu           sync.Mutex
	state        webrtc.SignalingState
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	ops          []string
	gathered     chan struct{}
	candidateErr error
	candidates   []webrtc.ICECandidateInit
	restarts     int
	closed       int
	channels     []*fakeDataChannel
}

func (c *fakeConn) record(op string) {
	c.ops = append(c.ops, op)
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-to-" + c.peerID}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("create-answer")
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("create answer without remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + c.peerID}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("set-local-" + d.Type.String())
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable && c.state != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("invalid state for local offer")
		}
		c.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveRemoteOffer {
			return errors.New("invalid state for local answer")
		}
		c.state = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		if c.state == webrtc.SignalingStateStable {
			return errors.New("rollback in stable")
		}
		c.state = webrtc.SignalingStateStable
		c.local = nil
		return nil
	}
	c.local = &d
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("set-remote-" + d.Type.String())
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable && c.state != webrtc.SignalingStateHaveRemoteOffer {
			return errors.New("invalid state for remote offer")
		}
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("invalid state for remote answer")
		}
		c.state = webrtc.SignalingStateStable
	}
	c.remote = &d
	return nil
}

func (c *fakeConn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *fakeConn) AddICECandidate(init webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.candidateErr != nil {
		return c.candidateErr
	}
	c.candidates = append(c.candidates, init)
	return nil
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) ICEConnectionState() webrtc.ICEConnectionState {
	return webrtc.ICEConnectionStateNew
}

func (c *fakeConn) GatheringComplete() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gathered
}

func (c *fakeConn) finishGathering() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.gathered)
}

func (c *fakeConn) RestartICE() error {
	c.mu.Lock()
	c.restarts++
	c.mu.Unlock()
	c.emit(EngineEvent{Kind: EngineNegotiationNeeded})
	return nil
}

func (c *fakeConn) CreateDataChannel(label string, id uint16) (DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dc := &fakeDataChannel{label: label, id: id}
	c.channels = append(c.channels, dc)
	return dc, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) snapshot() (ops []string, local, remote *webrtc.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...), c.local, c.remote
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDataChannel struct {
	label string
	id    uint16

	mu     sync.Mutex
	onOpen func()
	sent   []string
	closed bool
}

func (d *fakeDataChannel) Label() string { return d.label }

func (d *fakeDataChannel) ID() *uint16 {
	id := d.id
	return &id
}

func (d *fakeDataChannel) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	d.mu.Unlock()
}

func (d *fakeDataChannel) OnMessage(func(webrtc.DataChannelMessage)) {}

func (d *fakeDataChannel) OnClose(func()) {}

func (d *fakeDataChannel) Send(b []byte) error { return d.SendText(string(b)) }

func (d *fakeDataChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, s)
	return nil
}

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type sentPayload struct {
	to      string
	payload signaling.Payload
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentPayload
}

func (s *fakeSender) SendTo(peerID string, p signaling.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentPayload{to: peerID, payload: p})
	return nil
}

func (s *fakeSender) to(peerID string) []signaling.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.Payload
	for _, sp := range s.sent {
		if sp.to == peerID {
			out = append(out, sp.payload)
		}
	}
	return out
}

// lockedBuffer lets the slog handler and the test share one buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	m       *Manager
	engine  *fakeEngine
	sender  *fakeSender
	logs    *lockedBuffer
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		engine:  newFakeEngine(),
		sender:  &fakeSender{},
		logs:    &lockedBuffer{},
		metrics: metrics.New("mesh_test"),
	}
	opts := Options{
		Self:      Identity{ID: "self", Type: "admin"},
		Engine:    h.engine,
		Signaling: h.sender,
		Logger:    slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics:   h.metrics,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	return h
}

// tryPop is the non-blocking pop the harness drives the loop with.
func (q *eventQueue) tryPop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 || q.closed {
		return event{}, false
	}
	return q.shiftLocked(), true
}

// drain runs every queued event on the calling goroutine, standing in for
// Run.
func (h *harness) drain() {
	for {
		ev, ok := h.m.queue.tryPop()
		if !ok {
			return
		}
		h.m.handle(ev)
	}
}

// eventually drains until cond holds, for work that completes on helper
// goroutines.
func (h *harness) eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		h.drain()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) signal(from string, p signaling.Payload) {
	h.m.HandleSignal(signaling.Message{From: from, Target: h.m.self.ID, Payload: p})
	h.drain()
}

func (h *harness) offerFrom(from string) {
	h.signal(from, signaling.Payload{
		Action: signaling.ActionSDP,
		SDP:    &signaling.SDP{Type: "offer", SDP: "offer-from-" + from},
	})
}
