package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const (
	envVarSignalingURL    = "SIGNALING_SERVER_URL"
	envVarSignalingURLAlt = "SIGNALING_SERVER_URI"
	envVarToken           = "TOKEN"

	envVarPeerID            = "MESH_PEER_ID"
	envVarPeerType          = "MESH_PEER_TYPE"
	envVarVerbose           = "MESH_VERBOSE"
	envVarEnableDataChannel = "MESH_ENABLE_DATA_CHANNEL"
	envVarEnableStreams     = "MESH_ENABLE_STREAMS"
	envVarTrickleICE        = "MESH_TRICKLE_ICE"
	envVarMetricsAddr       = "MESH_METRICS_ADDR"
	envVarSendQueueBytes    = "MESH_SIGNALING_SEND_QUEUE_BYTES"

	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"

	peerEnvPrefix = "MESH_"

	DefaultPeerType       = "admin"
	DefaultSendQueueBytes = 1 << 20 // 1MiB
)

// hostname is swapped out by tests.
var hostname = os.Hostname

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// PeerConfig configures a mesh peer process.
type PeerConfig struct {
	LogConfig

	SignalingURL string
	Token        string

	PeerID   string
	PeerType string
	Verbose  bool

	EnableDataChannel bool
	// EnableStreams is accepted for compatibility with existing deployments;
	// media streams are not negotiated.
	EnableStreams bool
	// TrickleICE is announced to the rendezvous as this peer's candidate
	// exchange capability.
	TrickleICE bool

	ICEServers         []webrtc.ICEServer
	WebRTCUDPPortRange *UDPPortRange

	MetricsAddr    string
	SendQueueBytes int
}

func LoadPeer(args []string) (PeerConfig, error) {
	return loadPeer(os.LookupEnv, args)
}

func loadPeer(lookup func(string) (string, bool), args []string) (PeerConfig, error) {
	lookup, err := withConfigFile(lookup, args)
	if err != nil {
		return PeerConfig{}, err
	}

	fs := pflag.NewFlagSet("aero-webrtc-mesh-peer", pflag.ContinueOnError)
	common, err := bindCommonFlags(fs, lookup, peerEnvPrefix)
	if err != nil {
		return PeerConfig{}, err
	}

	signalingURL := envOrDefault(lookup, envVarSignalingURL, envOrDefault(lookup, envVarSignalingURLAlt, ""))
	token := envOrDefault(lookup, envVarToken, "")
	peerID := envOrDefault(lookup, envVarPeerID, "")
	peerType := envOrDefault(lookup, envVarPeerType, DefaultPeerType)
	metricsAddr := envOrDefault(lookup, envVarMetricsAddr, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	verbose, err := envBoolOrDefault(lookup, envVarVerbose, false)
	if err != nil {
		return PeerConfig{}, err
	}
	enableDataChannel, err := envBoolOrDefault(lookup, envVarEnableDataChannel, true)
	if err != nil {
		return PeerConfig{}, err
	}
	enableStreams, err := envBoolOrDefault(lookup, envVarEnableStreams, false)
	if err != nil {
		return PeerConfig{}, err
	}
	trickle, err := envBoolOrDefault(lookup, envVarTrickleICE, true)
	if err != nil {
		return PeerConfig{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return PeerConfig{}, err
	}
	portMin, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMin, 0)
	if err != nil {
		return PeerConfig{}, err
	}
	portMax, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMax, 0)
	if err != nil {
		return PeerConfig{}, err
	}

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Rendezvous WebSocket URL (env "+envVarSignalingURL+")")
	fs.StringVar(&token, "token", token, "Rendezvous auth token (env "+envVarToken+")")
	fs.StringVar(&peerID, "id", peerID, "Peer id (default: hostname with non-letters removed)")
	fs.StringVar(&peerType, "peer-type", peerType, "Peer type announced to the mesh")
	fs.BoolVar(&verbose, "verbose", verbose, "Log at debug level regardless of --log-level")
	fs.BoolVar(&enableDataChannel, "enable-data-channel", enableDataChannel, "Open a pre-negotiated data channel to every peer")
	fs.BoolVar(&enableStreams, "enable-streams", enableStreams, "Accepted for compatibility; media streams are not supported")
	fs.BoolVar(&trickle, "trickle", trickle, "Announce trickle ICE support (false: send descriptions after gathering completes)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.IntVar(&portMin, "webrtc-udp-port-min", portMin, "Minimum local UDP port for ICE (env "+envVarWebRTCUDPPortMin+")")
	fs.IntVar(&portMax, "webrtc-udp-port-max", portMax, "Maximum local UDP port for ICE (env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "Optional listen address for /healthz, /readyz and /metrics")
	fs.IntVar(&sendQueueBytes, "signaling-send-queue-bytes", sendQueueBytes, "Max queued outbound signaling bytes before dropping")

	if err := fs.Parse(args); err != nil {
		return PeerConfig{}, err
	}

	logCfg, err := common.resolve(fs, lookup, peerEnvPrefix)
	if err != nil {
		return PeerConfig{}, err
	}
	if verbose {
		logCfg.LogLevel = slog.LevelDebug
	}

	normalizedURL, err := normalizeSignalingURL(signalingURL)
	if err != nil {
		return PeerConfig{}, err
	}

	if strings.TrimSpace(peerID) == "" {
		peerID, err = defaultPeerID()
		if err != nil {
			return PeerConfig{}, err
		}
	}
	if strings.TrimSpace(peerType) == "" {
		return PeerConfig{}, errors.New("peer type must not be empty")
	}

	iceServers, err := parseICEServers(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return PeerConfig{}, err
	}

	portRange, err := parsePortRange(portMin, portMax)
	if err != nil {
		return PeerConfig{}, err
	}

	if sendQueueBytes <= 0 {
		return PeerConfig{}, fmt.Errorf("signaling send queue bytes must be > 0 (got %d)", sendQueueBytes)
	}

	return PeerConfig{
		LogConfig:          logCfg,
		SignalingURL:       normalizedURL,
		Token:              token,
		PeerID:             strings.TrimSpace(peerID),
		PeerType:           strings.TrimSpace(peerType),
		Verbose:            verbose,
		EnableDataChannel:  enableDataChannel,
		EnableStreams:      enableStreams,
		TrickleICE:         trickle,
		ICEServers:         iceServers,
		WebRTCUDPPortRange: portRange,
		MetricsAddr:        strings.TrimSpace(metricsAddr),
		SendQueueBytes:     sendQueueBytes,
	}, nil
}

// defaultPeerID derives an id from the hostname by dropping everything that
// is not an ASCII letter.
func defaultPeerID() (string, error) {
	host, err := hostname()
	if err != nil {
		return "", fmt.Errorf("derive peer id from hostname: %w", err)
	}
	id := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return r
		}
		return -1
	}, host)
	if id == "" {
		return "", fmt.Errorf("hostname %q has no letters; set --id", host)
	}
	return id, nil
}

// normalizeSignalingURL accepts ws(s) URLs and maps http(s) to the matching
// WebSocket scheme. A bare host:port is not accepted.
func normalizeSignalingURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("signaling url is required (--signaling-url or %s)", envVarSignalingURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid signaling url %q: scheme must be ws, wss, http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid signaling url %q: missing host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/signal"
	}
	return u.String(), nil
}

func parsePortRange(portMin, portMax int) (*UDPPortRange, error) {
	if portMin == 0 && portMax == 0 {
		return nil, nil
	}
	if portMin == 0 || portMax == 0 {
		return nil, fmt.Errorf("%s and %s must be set together", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if portMin < 1 || portMax > 65535 || portMin > portMax {
		return nil, fmt.Errorf("invalid udp port range %d-%d", portMin, portMax)
	}
	return &UDPPortRange{Min: uint16(portMin), Max: uint16(portMax)}, nil
}
