package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/auth"
)

const (
	wsWriteWait = 1 * time.Second

	DefaultSendQueueBytes = 1 << 20 // 1MiB
	DefaultIdleTimeout    = 90 * time.Second
)

type ClientConfig struct {
	URL   string
	Token string

	PeerID     string
	PeerType   string
	CanTrickle bool

	// SendQueueBytes bounds outbound frames buffered per connection.
	SendQueueBytes int
	// IdleTimeout closes the connection when nothing (including pings) has
	// been received for this long. Zero uses DefaultIdleTimeout.
	IdleTimeout time.Duration

	// Backoff paces reconnect attempts. The default is exponential with no
	// overall deadline.
	Backoff backoff.BackOff
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
}

// Client is a reconnecting connection to the rendezvous hub.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu      sync.Mutex
	handler Handler
	queue   *SendQueue
	started bool
	closed  bool
	cancel  context.CancelFunc
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.SendQueueBytes <= 0 {
		cfg.SendQueueBytes = DefaultSendQueueBytes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 250 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 0
		cfg.Backoff = b
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		log:  logger.With("component", "signaling", "peer_id", cfg.PeerID),
		done: make(chan struct{}),
	}
}

// SetHandler registers h as the only receiver of messages and events,
// replacing any previous handler.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect starts the connection loop in the background. Dial failures are
// reported as EventError and retried. Calling Connect again while running is
// a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Disconnect closes the connection, stops reconnecting and clears the
// handler. The handler still observes the final EventDisconnected. It is safe
// to call more than once, but not from inside a Handler method.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-c.done
	} else {
		c.finish()
	}

	c.SetHandler(nil)
	return nil
}

// Done is closed when the client stops for good: after Disconnect, after a
// peer id conflict, or when the reconnect policy gives up.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client stopped. It is nil after a plain Disconnect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connected reports whether a rendezvous connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue != nil && !c.closed
}

// Broadcast sends payload to every other peer.
func (c *Client) Broadcast(payload Payload) error {
	return c.send(FrameMessage, TargetAll, payload)
}

// SendTo sends payload to a single peer.
func (c *Client) SendTo(peerID string, payload Payload) error {
	return c.send(FrameMessageOne, peerID, payload)
}

func (c *Client) send(event FrameEvent, target string, payload Payload) error {
	frame, err := json.Marshal(Frame{
		Event: event,
		Data: &Envelope{
			From:    c.cfg.PeerID,
			Target:  target,
			Payload: payload,
		},
	})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	c.mu.Lock()
	q, closed := c.queue, c.closed
	c.mu.Unlock()

	if closed {
		return ErrClientClosed
	}
	if q == nil {
		return ErrNotConnected
	}
	if !q.Enqueue(frame) {
		return ErrQueueFull
	}
	return nil
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) run(ctx context.Context) {
	defer c.finish()

	b := backoff.WithContext(c.cfg.Backoff, ctx)
	b.Reset()

	connectedBefore := false
	failedDials := 0
	for {
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, auth.BearerHeader(c.cfg.Token))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failedDials++
			c.log.Warn("signaling dial failed", "url", c.cfg.URL, "attempt", failedDials, "err", err)
			c.emit(Event{Kind: EventError, Err: err})
			if !c.wait(ctx, b, err) {
				return
			}
			continue
		}

		b.Reset()
		c.log.Info("signaling connected", "url", c.cfg.URL)
		c.emit(Event{Kind: EventConnected})
		if connectedBefore {
			c.emit(Event{Kind: EventReconnected, Attempt: failedDials})
		}
		connectedBefore = true
		failedDials = 0

		err = c.serve(ctx, conn)
		if errors.Is(err, ErrPeerIDConflict) {
			c.log.Error("signaling rejected peer id", "err", err)
			c.stop(err)
			return
		}
		if ctx.Err() != nil {
			c.emit(Event{Kind: EventDisconnected})
			return
		}
		c.log.Warn("signaling disconnected", "err", err)
		c.emit(Event{Kind: EventDisconnected, Err: err})
		if !c.wait(ctx, b, err) {
			return
		}
	}
}

// wait sleeps for the next backoff interval. It returns false when the client
// should stop.
func (c *Client) wait(ctx context.Context, b backoff.BackOff, cause error) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		if ctx.Err() == nil {
			c.stop(fmt.Errorf("giving up reconnecting: %w", cause))
		}
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) stop(err error) {
	c.mu.Lock()
	c.err = err
	c.closed = true
	c.mu.Unlock()
}

// serve owns one WebSocket connection until it fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	q := NewSendQueue(c.cfg.SendQueueBytes)

	ready, err := json.Marshal(Frame{
		Event:                   FrameReady,
		PeerID:                  c.cfg.PeerID,
		PeerType:                c.cfg.PeerType,
		CanTrickleICECandidates: Bool(c.cfg.CanTrickle),
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("encode ready frame: %w", err)
	}
	q.Enqueue(ready)

	c.mu.Lock()
	c.queue = q
	c.mu.Unlock()

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		c.writeLoop(conn, q)
	}()

	stopOnCancel := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
	})

	defer func() {
		stopOnCancel()
		c.mu.Lock()
		if c.queue == q {
			c.queue = nil
		}
		c.mu.Unlock()
		q.Close()
		_ = conn.Close()
		writers.Wait()
	}()

	return c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		if msgType != websocket.TextMessage {
			continue
		}

		frame, err := ParseFrame(data)
		if err != nil {
			c.log.Warn("dropping malformed signaling frame", "err", err)
			continue
		}

		switch frame.Event {
		case FrameMessage, FrameMessageOne:
			c.dispatch(Message{
				From:    frame.Data.From,
				Target:  frame.Data.Target,
				Payload: frame.Data.Payload,
			})
		case FrameUniquenessError:
			return fmt.Errorf("%w: %s", ErrPeerIDConflict, frame.Message)
		case FrameError:
			c.log.Warn("signaling error from rendezvous", "message", frame.Message)
		default:
			c.log.Debug("ignoring signaling frame", "event", frame.Event)
		}
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, q *SendQueue) {
	for {
		frame, ok := q.Dequeue()
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("signaling write failed", "err", err)
			_ = conn.Close()
			return
		}
	}
}

func (c *Client) currentHandler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *Client) dispatch(msg Message) {
	if h := c.currentHandler(); h != nil {
		h.HandleSignal(msg)
	}
}

func (c *Client) emit(ev Event) {
	if h := c.currentHandler(); h != nil {
		h.HandleTransportEvent(ev)
	}
}
