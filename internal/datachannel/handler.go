// Package datachannel holds data channel handlers for mesh peers.
package datachannel

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
)

// maxLoggedMessage caps how much of a message body is logged.
const maxLoggedMessage = 256

// LoggingHandler logs the lifecycle of every peer's data channel and greets
// the peer once the channel opens.
func LoggingHandler(logger *slog.Logger) mesh.DataChannelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(self mesh.Identity, peer *mesh.Peer) error {
		attach(logger, self, peer.ID(), peer.DataChannel())
		return nil
	}
}

func attach(logger *slog.Logger, self mesh.Identity, peerID string, dc mesh.DataChannel) {
	log := logger.With("component", "datachannel", "peer_id", peerID, "label", dc.Label())

	dc.OnOpen(func() {
		log.Info("data channel open")
		if err := dc.SendText("hello from " + self.ID); err != nil {
			log.Warn("send greeting", "err", err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := msg.Data
		truncated := len(data) > maxLoggedMessage
		if truncated {
			data = data[:runeBoundary(data, maxLoggedMessage)]
		}
		if msg.IsString {
			log.Info("data channel message", "text", string(data), "bytes", len(msg.Data), "truncated", truncated)
			return
		}
		log.Info("data channel message", "bytes", len(msg.Data))
	})
	dc.OnClose(func() {
		log.Info("data channel closed")
	})
}

// runeBoundary returns the largest n <= limit that does not split a UTF-8
// sequence in data.
func runeBoundary(data []byte, limit int) int {
	n := limit
	for n > 0 && n < len(data) && !utf8.RuneStart(data[n]) {
		n--
	}
	return n
}
