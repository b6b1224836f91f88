// Package main implements the tuic-client binary: it dials a TUIC server
// over QUIC and exposes a local SOCKS5 listener that tunnels CONNECT and
// UDP ASSOCIATE requests over that connection.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/tuicmesh/tuicd/pkg/config"
	"github.com/tuicmesh/tuicd/pkg/logger"
	"github.com/tuicmesh/tuicd/pkg/socks5ingress"
	"github.com/tuicmesh/tuicd/pkg/tuic"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "configs/client.yaml", "Path to the configuration file")
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

	id, err := uuid.Parse(cfg.Client.UUID)
	if err != nil {
		logger.Error("Invalid client uuid", "uuid", cfg.Client.UUID, "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	client, err := tuic.Dial(ctx, tuic.ClientConfig{
		ServerAddr:        cfg.Client.ServerAddr,
		ServerName:        cfg.Client.SNI,
		UUID:              id,
		Secret:            []byte(cfg.Client.Secret),
		ALPN:              cfg.Client.ALPN,
		SkipCertVerify:    cfg.Client.SkipCertVerify,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		ReduceRTT:         cfg.Client.ReduceRTT,
	})
	if err != nil {
		logger.Error("Failed to connect to server", "server_addr", cfg.Client.ServerAddr, "err", err)
		cancel()
		os.Exit(1)
	}

	ingress, err := socks5ingress.New(socks5ingress.Config{
		ListenAddr: cfg.Client.Local.ListenAddr,
		Username:   cfg.Client.Local.Username,
		Password:   cfg.Client.Local.Password,
	}, client)
	if err != nil {
		logger.Error("Failed to create socks5 ingress", "err", err)
		client.Close()
		cancel()
		os.Exit(1)
	}

	go func() {
		if err := ingress.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("socks5 ingress stopped unexpectedly", "err", err)
		}
	}()

	logger.Info("tuic-client started", "server_addr", cfg.Client.ServerAddr, "local_addr", ingress.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("Shutting down...")
	case err := <-client.Done():
		logger.Error("tuic connection ended", "err", err)
	}

	cancel()
	if err := ingress.Close(); err != nil {
		logger.Error("Error shutting down socks5 ingress", "err", err)
	}
	if err := client.Close(); err != nil {
		logger.Error("Error shutting down client", "err", err)
	}

	logger.Info("tuic-client stopped")
}
