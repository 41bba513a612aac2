package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	rendezvousEnvPrefix = "MESH_RENDEZVOUS_"

	envVarListenAddr                    = "MESH_RENDEZVOUS_LISTEN_ADDR"
	envVarAuthMode                      = "AUTH_MODE"
	envVarReadyTimeout                  = "SIGNALING_READY_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxSignalingBytesPerSecond    = "MAX_SIGNALING_BYTES_PER_SECOND"
	envVarMaxPeers                      = "MAX_PEERS"

	DefaultListenAddr                    = "127.0.0.1:8080"
	DefaultAuthMode                      = AuthModeToken
	DefaultReadyTimeout                  = 5 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
)

type AuthMode string

const (
	AuthModeNone  AuthMode = "none"
	AuthModeToken AuthMode = "token"
)

// RendezvousConfig configures the rendezvous hub.
type RendezvousConfig struct {
	LogConfig

	ListenAddr string

	AuthMode AuthMode
	Token    string

	// ReadyTimeout bounds how long a new connection may take to announce its
	// peer id.
	ReadyTimeout time.Duration

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	MaxSignalingBytesPerSecond    int

	// MaxPeers caps concurrently registered peers (0 = unlimited).
	MaxPeers int
}

func LoadRendezvous(args []string) (RendezvousConfig, error) {
	return loadRendezvous(os.LookupEnv, args)
}

func loadRendezvous(lookup func(string) (string, bool), args []string) (RendezvousConfig, error) {
	lookup, err := withConfigFile(lookup, args)
	if err != nil {
		return RendezvousConfig{}, err
	}

	fs := pflag.NewFlagSet("aero-webrtc-mesh-rendezvous", pflag.ContinueOnError)
	common, err := bindCommonFlags(fs, lookup, rendezvousEnvPrefix)
	if err != nil {
		return RendezvousConfig{}, err
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	token := envOrDefault(lookup, envVarToken, "")

	readyTimeout, err := envDurationOrDefault(lookup, envVarReadyTimeout, DefaultReadyTimeout)
	if err != nil {
		return RendezvousConfig{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return RendezvousConfig{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return RendezvousConfig{}, err
	}
	maxMessageBytesInt, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return RendezvousConfig{}, err
	}
	maxMessageBytes := int64(maxMessageBytesInt)
	messagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return RendezvousConfig{}, err
	}
	bytesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingBytesPerSecond, 0)
	if err != nil {
		return RendezvousConfig{}, err
	}
	maxPeers, err := envIntOrDefault(lookup, envVarMaxPeers, 0)
	if err != nil {
		return RendezvousConfig{}, err
	}

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Signaling auth mode: none or token (env "+envVarAuthMode+")")
	fs.StringVar(&token, "token", token, "Shared token peers must present when --auth-mode=token (env "+envVarToken+")")
	fs.DurationVar(&readyTimeout, "ready-timeout", readyTimeout, "Close connections that do not announce a peer id within this duration")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Ping interval for signaling WebSocket connections (must be < idle timeout)")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes")
	fs.IntVar(&messagesPerSecond, "max-signaling-messages-per-second", messagesPerSecond, "Max inbound signaling messages per second per connection (0 = unlimited)")
	fs.IntVar(&bytesPerSecond, "max-signaling-bytes-per-second", bytesPerSecond, "Max inbound signaling bytes per second per connection (0 = unlimited)")
	fs.IntVar(&maxPeers, "max-peers", maxPeers, "Maximum concurrently registered peers (0 = unlimited)")

	if err := fs.Parse(args); err != nil {
		return RendezvousConfig{}, err
	}

	logCfg, err := common.resolve(fs, lookup, rendezvousEnvPrefix)
	if err != nil {
		return RendezvousConfig{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return RendezvousConfig{}, err
	}
	if authMode == AuthModeToken && strings.TrimSpace(token) == "" {
		return RendezvousConfig{}, fmt.Errorf("%s is required when %s=%s", envVarToken, envVarAuthMode, AuthModeToken)
	}
	if strings.TrimSpace(listenAddr) == "" {
		return RendezvousConfig{}, fmt.Errorf("listen address must not be empty")
	}
	if readyTimeout <= 0 {
		return RendezvousConfig{}, fmt.Errorf("ready timeout must be > 0 (got %s)", readyTimeout)
	}
	if idleTimeout <= 0 {
		return RendezvousConfig{}, fmt.Errorf("signaling ws idle timeout must be > 0 (got %s)", idleTimeout)
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return RendezvousConfig{}, fmt.Errorf("signaling ws ping interval must be > 0 and < idle timeout (got %s, idle %s)", pingInterval, idleTimeout)
	}
	if maxMessageBytes <= 0 {
		return RendezvousConfig{}, fmt.Errorf("max signaling message bytes must be > 0 (got %d)", maxMessageBytes)
	}
	if messagesPerSecond < 0 || bytesPerSecond < 0 || maxPeers < 0 {
		return RendezvousConfig{}, fmt.Errorf("rate and peer limits must be >= 0")
	}

	return RendezvousConfig{
		LogConfig:                     logCfg,
		ListenAddr:                    listenAddr,
		AuthMode:                      authMode,
		Token:                         token,
		ReadyTimeout:                  readyTimeout,
		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSPingInterval:       pingInterval,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: messagesPerSecond,
		MaxSignalingBytesPerSecond:    bytesPerSecond,
		MaxPeers:                      maxPeers,
	}, nil
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeToken), "api_key":
		return AuthModeToken, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected none or token)", raw)
	}
}
