// Package main implements the tuicd server binary: a TUIC endpoint that
// authenticates inbound QUIC connections and relays their Connect/Packet
// requests directly to the requested TCP/UDP targets.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/tuicmesh/tuicd/pkg/config"
	"github.com/tuicmesh/tuicd/pkg/credential"
	"github.com/tuicmesh/tuicd/pkg/logger"
	"github.com/tuicmesh/tuicd/pkg/ratelimit"
	"github.com/tuicmesh/tuicd/pkg/tuic"
	"github.com/tuicmesh/tuicd/pkg/tuicauth"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "configs/server.yaml", "Path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(&cfg.Log); err != nil {
		logger.Error("Failed to initialize logger", "err", err)
		os.Exit(1)
	}

	tlsCert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
	if err != nil {
		logger.Error("Failed to load TLS certificate", "err", err)
		os.Exit(1)
	}

	credManager, err := credential.NewManager(&credential.Config{
		Type:     credential.Type(cfg.Server.Credential.Type),
		FilePath: cfg.Server.Credential.FilePath,
	})
	if err != nil {
		logger.Error("Failed to create credential manager", "err", err)
		os.Exit(1)
	}
	for _, user := range cfg.Server.Credential.Users {
		id, err := uuid.Parse(user.UUID)
		if err != nil {
			logger.Error("Invalid uuid in credential.users", "uuid", user.UUID, "err", err)
			os.Exit(1)
		}
		if err := credManager.Register(id, []byte(user.Secret)); err != nil {
			logger.Error("Failed to register credential", "uuid", user.UUID, "err", err)
			os.Exit(1)
		}
	}

	limiter := ratelimit.NewRateLimiter(nil)
	if cfg.Server.RateLimit.Enabled {
		if err := limiter.UpdateConfig(&ratelimit.Config{
			Rules: []*ratelimit.Rule{
				{
					ID:            "auth-source",
					Type:          "client",
					Identifier:    "*",
					Enabled:       true,
					RequestLimit:  cfg.Server.RateLimit.RequestLimit,
					RequestWindow: cfg.Server.RateLimit.RequestWindow,
					Action:        "block",
				},
				{
					ID:            "auth-uuid",
					Type:          "domain",
					Identifier:    "*",
					Enabled:       true,
					RequestLimit:  cfg.Server.RateLimit.RequestLimit,
					RequestWindow: cfg.Server.RateLimit.RequestWindow,
					Action:        "block",
				},
			},
		}); err != nil {
			logger.Error("Failed to configure rate limiter", "err", err)
			os.Exit(1)
		}
	}

	authenticator := tuicauth.NewAuthenticator(credManager, limiter)

	server, err := tuic.NewServer(tuic.ServerConfig{
		ListenAddr:    cfg.Server.ListenAddr,
		TLSConfig:     &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: cfg.Server.ALPN},
		Authenticator: authenticator,
		AuthTimeout:   cfg.Server.AuthTimeout,
		ZeroRTT:       cfg.Server.ZeroRTTHandshake,
	})
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Server stopped unexpectedly", "err", err)
		}
	}()

	logger.Info("tuicd started", "listen_addr", server.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down...")

	cancel()
	if err := server.Close(); err != nil {
		logger.Error("Error shutting down server", "err", err)
	}

	logger.Info("tuicd stopped")
}
