package webrtcpeer

import (
	"fmt"
	"log/slog"

	transport "github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
)

type Options struct {
	ICEServers         []webrtc.ICEServer
	WebRTCUDPPortRange *config.UDPPortRange

	// Net replaces the host network stack, e.g. with a vnet.Net in tests.
	Net transport.Net

	Logger *slog.Logger
}

func NewAPI(opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}
	se.LoggerFactory = NewLoggerFactory(opts.Logger)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts Options) error {
	if opts.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(opts.WebRTCUDPPortRange.Min, opts.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	return nil
}

// Engine creates pion PeerConnections for the mesh manager.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

var _ mesh.Engine = (*Engine)(nil)

func NewEngine(opts Options) (*Engine, error) {
	api, err := NewAPI(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:        api,
		iceServers: opts.ICEServers,
		log:        logger.With("component", "webrtcpeer"),
	}, nil
}

func (e *Engine) NewConnection(peerID string, emit func(mesh.EngineEvent)) (mesh.Connection, error) {
	c, err := newConnection(e.api, e.iceServers, emit, e.log.With("peer_id", peerID))
	if err != nil {
		return nil, err
	}
	return c, nil
}
