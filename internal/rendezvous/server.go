package rendezvous

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

const (
	wsWriteWait = 1 * time.Second

	sendQueueBytes = 1 << 20
)

// Server upgrades /signal requests and runs one peer session per connection.
//
// Peers authenticate on the handshake (bearer header or token query
// parameter), then must announce themselves with a ready frame before
// ReadyTimeout. Each connection is subject to a message size limit and a
// token bucket on inbound traffic.
type Server struct {
	cfg      config.RendezvousConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	verifier auth.Verifier
	hub      *Hub
	clock    ratelimit.Clock
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func NewServer(cfg config.RendezvousConfig, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.Token)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      logger.With("component", "rendezvous"),
		metrics:  m,
		verifier: verifier,
		hub:      NewHub(logger, m, cfg.MaxPeers),
		clock:    ratelimit.RealClock{},
		conns:    make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.verifier != nil {
		cred, err := auth.CredentialFromRequest(r)
		if err == nil {
			err = s.verifier.Verify(cred)
		}
		if err != nil {
			s.metrics.Inc(metrics.AuthFailures)
			s.log.Warn("rejecting signaling connection", "remote_addr", r.RemoteAddr, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if !s.track(conn) {
		writeClose(conn, websocket.CloseGoingAway, "shutting down")
		return
	}
	defer s.untrack(conn)

	s.serveConn(conn)
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close sends a going-away close to every live connection and drops it.
// Connections accepted afterwards are closed immediately.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		writeClose(c, websocket.CloseGoingAway, "shutting down")
		_ = c.Close()
	}
}

func (s *Server) serveConn(conn *websocket.Conn) {
	limiter := ratelimit.NewConnLimiter(s.clock, s.cfg.MaxSignalingMessagesPerSecond, s.cfg.MaxSignalingBytesPerSecond)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadyTimeout))
	ready, ok := s.readFrame(conn, limiter)
	if !ok {
		return
	}
	if ready.Event != signaling.FrameReady {
		writeClose(conn, websocket.ClosePolicyViolation, "ready required")
		return
	}

	queue := signaling.NewSendQueue(sendQueueBytes)
	m := newMember(ready, queue)
	log := s.log.With("peer_id", m.id, "conn_id", m.connID)

	if err := s.hub.register(m); err != nil {
		event := signaling.FrameError
		if errors.Is(err, ErrDuplicatePeerID) {
			event = signaling.FrameUniquenessError
		}
		log.Warn("rejecting peer", "err", err)
		writeFrame(conn, signaling.Frame{Event: event, Message: err.Error()})
		writeClose(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(conn, queue)
	}()
	go func() {
		defer wg.Done()
		s.pingLoop(conn, stop)
	}()
	defer func() {
		s.hub.unregister(m)
		close(stop)
		queue.Close()
		_ = conn.Close()
		wg.Wait()
	}()

	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		frame, ok := s.readFrame(conn, limiter)
		if !ok {
			return
		}
		extend()

		switch frame.Event {
		case signaling.FrameMessage, signaling.FrameMessageOne:
			s.hub.route(m, frame)
		default:
			log.Debug("ignoring frame", "event", frame.Event)
			if b, err := json.Marshal(signaling.Frame{Event: signaling.FrameError, Message: "unexpected " + string(frame.Event) + " frame"}); err == nil {
				queue.Enqueue(b)
			}
		}
	}
}

// readFrame reads and validates one frame. On failure it closes the
// connection with an appropriate code and returns false.
func (s *Server) readFrame(conn *websocket.Conn, limiter *ratelimit.ConnLimiter) (signaling.Frame, bool) {
	msgType, r, err := conn.NextReader()
	if err != nil {
		if isTimeout(err) {
			writeClose(conn, websocket.ClosePolicyViolation, "timeout")
		}
		return signaling.Frame{}, false
	}
	if msgType != websocket.TextMessage {
		writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
		return signaling.Frame{}, false
	}
	msg, err := readLimited(r, s.cfg.MaxSignalingMessageBytes)
	if err != nil {
		if errors.Is(err, errMessageTooLarge) {
			writeClose(conn, websocket.CloseMessageTooBig, "message too large")
			return signaling.Frame{}, false
		}
		writeClose(conn, websocket.CloseInternalServerErr, "failed to read message")
		return signaling.Frame{}, false
	}
	if !limiter.AllowMessage(len(msg)) {
		s.metrics.Inc(metrics.RateLimited)
		writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
		return signaling.Frame{}, false
	}
	frame, err := signaling.ParseFrame(msg)
	if err != nil {
		writeClose(conn, websocket.CloseUnsupportedData, "invalid frame")
		return signaling.Frame{}, false
	}
	return frame, true
}

func (s *Server) writeLoop(conn *websocket.Conn, q *signaling.SendQueue) {
	for {
		frame, ok := q.Dequeue()
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.SignalingWSPingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// writeFrame is only used before the connection's writer starts.
func writeFrame(conn *websocket.Conn, f signaling.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
