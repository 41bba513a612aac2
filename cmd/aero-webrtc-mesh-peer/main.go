package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/datachannel"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

var errNotConnected = errors.New("signaling not connected")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.LoadPeer(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg.LogConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-mesh-peer",
		"peer_id", cfg.PeerID,
		"peer_type", cfg.PeerType,
		"signaling_url", cfg.SignalingURL,
		"mode", cfg.Mode,
		"trickle_ice", cfg.TrickleICE,
		"enable_data_channel", cfg.EnableDataChannel,
		"ice_servers", len(cfg.ICEServers),
	)
	logStartupWarnings(logger, cfg)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	engine, err := webrtcpeer.NewEngine(webrtcpeer.Options{
		ICEServers:         cfg.ICEServers,
		WebRTCUDPPortRange: cfg.WebRTCUDPPortRange,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	m := metrics.New("aero_webrtc_mesh_peer")
	client := signaling.NewClient(signaling.ClientConfig{
		URL:            cfg.SignalingURL,
		Token:          cfg.Token,
		PeerID:         cfg.PeerID,
		PeerType:       cfg.PeerType,
		CanTrickle:     cfg.TrickleICE,
		SendQueueBytes: cfg.SendQueueBytes,
		Logger:         logger,
	})
	manager, err := mesh.New(mesh.Options{
		Self:               mesh.Identity{ID: cfg.PeerID, Type: cfg.PeerType},
		Engine:             engine,
		Signaling:          client,
		EnableDataChannel:  cfg.EnableDataChannel,
		DataChannelHandler: datachannel.LoggingHandler(logger),
		Logger:             logger,
		Metrics:            m,
	})
	if err != nil {
		logger.Error("failed to configure mesh", "err", err)
		return 2
	}
	client.SetHandler(manager)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = manager.Run(runCtx)
	}()

	if err := client.Connect(runCtx); err != nil {
		logger.Error("failed to start signaling", "err", err)
		cancelRun()
		<-runDone
		return 1
	}

	var (
		srv   *httpserver.Server
		errCh = make(chan error, 1)
	)
	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			logger.Error("failed to listen", "addr", cfg.MetricsAddr, "err", err)
			_ = client.Disconnect()
			cancelRun()
			<-runDone
			return 1
		}
		srv = httpserver.New(httpserver.Options{
			ListenAddr: cfg.MetricsAddr,
			Build:      httpserver.ResolveBuildInfo(buildCommit, buildTime),
			Metrics:    m,
			ReadyCheck: func() error {
				if !client.Connected() {
					return errNotConnected
				}
				return nil
			},
		}, logger)
		go func() {
			errCh <- srv.Serve(ln)
		}()
	}

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-client.Done():
		if err := client.Err(); errors.Is(err, signaling.ErrPeerIDConflict) {
			logger.Error("peer id is already registered with the rendezvous", "peer_id", cfg.PeerID)
			code = 1
		} else if err != nil {
			logger.Error("signaling stopped", "err", err)
			code = 1
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			code = 1
		}
		srv = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Disconnect drops every peer before the manager stops.
	_ = client.Disconnect()
	cancelRun()
	select {
	case <-runDone:
	case <-shutdownCtx.Done():
		logger.Warn("mesh manager did not stop before shutdown timeout")
	}

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited after shutdown", "err", err)
			code = 1
		}
	}
	return code
}
