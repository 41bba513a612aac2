package rendezvous

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

func testConfig() config.RendezvousConfig {
	return config.RendezvousConfig{
		AuthMode:                      config.AuthModeToken,
		Token:                         "secret",
		ReadyTimeout:                  2 * time.Second,
		SignalingWSIdleTimeout:        10 * time.Second,
		SignalingWSPingInterval:       5 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 100,
	}
}

func startTestServer(t *testing.T, cfg config.RendezvousConfig) (*Server, *metrics.Metrics, string) {
	t.Helper()
	m := metrics.New("rendezvous_test")
	srv, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, m, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(url, auth.BearerHeader(token))
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, f signaling.Frame) {
	t.Helper()
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, c *websocket.Conn) signaling.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := signaling.ParseFrame(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return f
}

// join connects id, announces it and consumes its open frame.
func join(t *testing.T, url, id string, trickle bool) (*websocket.Conn, signaling.Frame) {
	t.Helper()
	c := dial(t, url, "secret")
	send(t, c, signaling.Frame{
		Event:                   signaling.FrameReady,
		PeerID:                  id,
		PeerType:                "admin",
		CanTrickleICECandidates: signaling.Bool(trickle),
	})
	return c, recv(t, c)
}

func TestServer_RejectsBadCredentials(t *testing.T) {
	_, m, url := startTestServer(t, testConfig())

	for _, token := range []string{"", "wrong"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, auth.BearerHeader(token))
		if err == nil {
			t.Fatalf("token %q: dial succeeded", token)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: resp=%v, want 401", token, resp)
		}
	}
	if got := m.Get(metrics.AuthFailures); got != 2 {
		t.Fatalf("auth_failures=%d, want 2", got)
	}
}

func TestServer_AcceptsQueryToken(t *testing.T) {
	_, _, url := startTestServer(t, testConfig())
	c, _, err := websocket.DefaultDialer.Dial(url+"?token=secret", nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	_ = c.Close()
}

func TestServer_RosterAssignsRoles(t *testing.T) {
	srv, _, url := startTestServer(t, testConfig())

	a, openA := join(t, url, "a", true)
	if openA.Event != signaling.FrameMessage || openA.Data.Payload.Action != signaling.ActionOpen {
		t.Fatalf("open=%+v", openA)
	}
	if len(openA.Data.Payload.Connections) != 0 {
		t.Fatalf("first peer roster=%+v, want empty", openA.Data.Payload.Connections)
	}

	_, openB := join(t, url, "b", false)
	p := openB.Data.Payload
	if openB.Data.From != HubPeerID || openB.Data.Target != "b" {
		t.Fatalf("envelope from=%q target=%q", openB.Data.From, openB.Data.Target)
	}
	if p.BePolite == nil || *p.BePolite {
		t.Fatalf("newcomer bePolite=%v, want false", p.BePolite)
	}
	if len(p.Connections) != 1 || p.Connections[0].PeerID != "a" || p.Connections[0].IsPolite(p.BePolite) {
		t.Fatalf("newcomer roster=%+v", p.Connections)
	}
	if !p.Connections[0].CanTrickle() {
		t.Fatalf("a should be advertised as trickle capable")
	}

	intro := recv(t, a)
	ip := intro.Data.Payload
	if ip.Action != signaling.ActionOpen || len(ip.Connections) != 1 || ip.Connections[0].PeerID != "b" {
		t.Fatalf("intro=%+v", intro)
	}
	if !ip.Connections[0].IsPolite(ip.BePolite) {
		t.Fatalf("existing peer should be polite towards the newcomer")
	}
	if ip.Connections[0].CanTrickle() {
		t.Fatalf("b should be advertised as non-trickle")
	}

	if got := strings.Join(srv.Hub().PeerIDs(), ","); got != "a,b" {
		t.Fatalf("PeerIDs=%q", got)
	}
}

func TestServer_DuplicateIDGetsUniquenessError(t *testing.T) {
	_, m, url := startTestServer(t, testConfig())
	join(t, url, "a", true)

	_, f := join(t, url, "a", true)
	if f.Event != signaling.FrameUniquenessError {
		t.Fatalf("frame=%+v, want uniquenessError", f)
	}
	if got := m.Get(metrics.UniquenessConflicts); got != 1 {
		t.Fatalf("uniqueness_conflicts=%d, want 1", got)
	}
}

func TestServer_RoutesAndOverwritesSender(t *testing.T) {
	_, m, url := startTestServer(t, testConfig())
	a, _ := join(t, url, "a", true)
	b, _ := join(t, url, "b", true)
	recv(t, a) // intro for b
	c, _ := join(t, url, "c", true)
	recv(t, a) // intro for c
	recv(t, b) // intro for c

	send(t, a, signaling.Frame{Event: signaling.FrameMessageOne, Data: &signaling.Envelope{
		From:    "mallory",
		Target:  "b",
		Payload: signaling.Payload{Action: signaling.ActionSDP, SDP: &signaling.SDP{Type: "offer", SDP: "v=0"}},
	}})
	got := recv(t, b)
	if got.Event != signaling.FrameMessageOne || got.Data.From != "a" || got.Data.Payload.SDP.SDP != "v=0" {
		t.Fatalf("routed=%+v", got)
	}

	send(t, c, signaling.Frame{Event: signaling.FrameMessage, Data: &signaling.Envelope{
		From:    "c",
		Target:  signaling.TargetAll,
		Payload: signaling.Payload{Action: signaling.ActionICE},
	}})
	for _, peer := range []*websocket.Conn{a, b} {
		f := recv(t, peer)
		if f.Event != signaling.FrameMessage || f.Data.From != "c" || f.Data.Payload.Action != signaling.ActionICE {
			t.Fatalf("broadcast=%+v", f)
		}
	}

	send(t, a, signaling.Frame{Event: signaling.FrameMessageOne, Data: &signaling.Envelope{
		From:    "a",
		Target:  "nobody",
		Payload: signaling.Payload{Action: signaling.ActionICE},
	}})
	waitFor(t, func() bool { return m.Get(metrics.MessagesDropped) == 1 })
}

func TestServer_DisconnectNotifiesOthers(t *testing.T) {
	srv, m, url := startTestServer(t, testConfig())
	a, _ := join(t, url, "a", true)
	b, _ := join(t, url, "b", true)
	recv(t, a)

	_ = b.Close()
	f := recv(t, a)
	if f.Data == nil || f.Data.From != "b" || f.Data.Payload.Action != signaling.ActionClose {
		t.Fatalf("close notice=%+v", f)
	}
	waitFor(t, func() bool { return len(srv.Hub().PeerIDs()) == 1 })
	if got := m.Get(metrics.PeersUnregistered); got != 1 {
		t.Fatalf("peers_unregistered=%d, want 1", got)
	}

	// The id is free again.
	_, open := join(t, url, "b", true)
	if open.Event != signaling.FrameMessage || open.Data.Payload.Action != signaling.ActionOpen {
		t.Fatalf("rejoin=%+v", open)
	}
}

func TestServer_RequiresReadyFirst(t *testing.T) {
	_, _, url := startTestServer(t, testConfig())
	c := dial(t, url, "secret")
	send(t, c, signaling.Frame{Event: signaling.FrameMessage, Data: &signaling.Envelope{Target: signaling.TargetAll}})
	expectClose(t, c, websocket.ClosePolicyViolation)
}

func TestServer_ReadyTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyTimeout = 100 * time.Millisecond
	_, _, url := startTestServer(t, cfg)
	c := dial(t, url, "secret")
	expectClose(t, c, websocket.ClosePolicyViolation)
}

func TestServer_MessageTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSignalingMessageBytes = 256
	_, _, url := startTestServer(t, cfg)
	c, _ := join(t, url, "a", true)

	send(t, c, signaling.Frame{Event: signaling.FrameMessage, Data: &signaling.Envelope{
		Target:  signaling.TargetAll,
		Payload: signaling.Payload{Action: signaling.ActionSDP, SDP: &signaling.SDP{Type: "offer", SDP: strings.Repeat("x", 512)}},
	}})
	expectClose(t, c, websocket.CloseMessageTooBig)
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSignalingMessagesPerSecond = 2
	_, m, url := startTestServer(t, cfg)
	c, _ := join(t, url, "a", true)

	frame := []byte(`{"event":"message","data":{"from":"a","target":"all","payload":{"action":"ice"}}}`)
	// The ready frame spent one token, so the second message is refused.
	for i := 0; i < 2; i++ {
		_ = c.WriteMessage(websocket.TextMessage, frame)
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
	if got := m.Get(metrics.RateLimited); got != 1 {
		t.Fatalf("rate_limited=%d, want 1", got)
	}
}

func TestServer_PeerLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPeers = 1
	_, _, url := startTestServer(t, cfg)
	join(t, url, "a", true)

	_, f := join(t, url, "b", true)
	if f.Event != signaling.FrameError {
		t.Fatalf("frame=%+v, want error", f)
	}
}

func TestNewServer_AuthNone(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeNone
	cfg.Token = ""
	_, _, url := startTestServer(t, cfg)
	c := dial(t, url, "")
	_ = c.Close()
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("err=%v, want close %d", err, code)
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_CloseDropsConnections(t *testing.T) {
	srv, _, url := startTestServer(t, testConfig())
	a, _ := join(t, url, "a", true)

	srv.Close()
	expectClose(t, a, websocket.CloseGoingAway)
	waitFor(t, func() bool { return len(srv.Hub().PeerIDs()) == 0 })

	late := dial(t, url, "secret")
	expectClose(t, late, websocket.CloseGoingAway)
}
