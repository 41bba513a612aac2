package main

import (
	"log/slog"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.PeerConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.EnableStreams {
		logger.Warn("media streams are not supported; --enable-streams is ignored",
			"warning_code", "enable_streams_ignored",
		)
	}

	if cfg.Token == "" {
		logger.Warn("startup security warning: no rendezvous token configured; the hub must run with AUTH_MODE=none",
			"warning_code", "token_unset",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && strings.HasPrefix(cfg.SignalingURL, "ws://") {
		logger.Warn("startup security warning: signaling URL is not TLS while --mode=prod (token is sent in clear text)",
			"warning_code", "signaling_url_insecure",
			"signaling_url", cfg.SignalingURL,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("no ICE servers configured; only host candidates will be gathered",
			"warning_code", "ice_servers_empty",
		)
	}
}
