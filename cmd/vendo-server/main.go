package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/api"
	"github.com/vendo-server/vendo-server-pro/internal/config"
	"github.com/vendo-server/vendo-server-pro/internal/enforcer"
	"github.com/vendo-server/vendo-server-pro/internal/engine"
	"github.com/vendo-server/vendo-server-pro/internal/integration"
	"github.com/vendo-server/vendo-server-pro/internal/license"
	"github.com/vendo-server/vendo-server-pro/internal/registry"
	"github.com/vendo-server/vendo-server-pro/internal/server"
	"github.com/vendo-server/vendo-server-pro/internal/storage"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/vendo-server.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Connect to database
	store, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	log.Info().Msg("Connected to database")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database schema")
	}

	// License gate
	gate, err := license.NewGate(ctx, store, cfg.License.TrialDays)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize license gate")
	}

	// Device registry
	reg := registry.NewRegistry(store, cfg.Registry.CallTimeout, cfg.Registry.OfflineAfter)
	if err := reg.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load device registry")
	}

	// Bandwidth enforcer
	var enf enforcer.Enforcer
	if cfg.Enforcer.Disabled {
		log.Warn().Msg("Bandwidth enforcement disabled")
		enf = enforcer.NewNoopEnforcer()
	} else {
		tc := enforcer.NewTCEnforcer(enforcer.ExecRunner{}, cfg.Enforcer.LANInterface)
		if err := tc.Setup(); err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare enforcement rules")
		}
		enf = tc
	}

	// Connect to NATS
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("vendo-server"),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, hardware credits unavailable")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
		}
	}

	// Admission engine
	eng := engine.New(store, reg, gate, enf, nc, engine.Config{
		TickInterval:  cfg.Engine.TickInterval,
		SnapshotEvery: cfg.Engine.SnapshotEvery,
		QueueSize:     cfg.Engine.QueueSize,
	})
	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start admission engine")
	}

	var wg sync.WaitGroup

	// Pulse consumer and integration forwarder need the bus
	if nc != nil {
		consumer := server.NewPulseConsumer(nc, eng, reg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("Pulse consumer stopped")
			}
		}()

		forwarder := integration.NewForwarderService(nc, store, cfg.MQTT)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := forwarder.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Integration forwarder stopped")
			}
		}()
	}

	// REST API server
	apiServer := api.NewRESTServer(cfg, store, eng, reg, gate)
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil {
			log.Error().Err(err).Msg("REST API server stopped")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Drain the engine so the final session snapshot is written
	eng.Wait()
	wg.Wait()

	log.Info().Msg("Vendo server stopped")
}
