package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/config"
	"github.com/vendo-server/vendo-server-pro/internal/pulse"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/pulse-bridge.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.LoadBridge(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("Pulse bridge starting")

	// Connect to NATS
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("vendo-pulse-bridge"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	log.Info().Msg("Connected to NATS")

	// Bind the pulsewire UDP socket
	listener, err := pulse.NewUDPListener(cfg.Pulse.UDPBind, nc)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bind UDP listener")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := listener.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("UDP listener stopped")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	log.Info().Msg("Pulse bridge stopped")
}
