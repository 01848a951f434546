// Package main implements the VettID app agent: the long-running process
// that keeps the local connection set in sync with the user's vault and
// drives the invitation handshake and offline mutation queue.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vettid/vettid-app/connect"
	"github.com/vettid/vettid-app/storage"
	"github.com/vettid/vettid-app/transport"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "app-agent.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = log.With().Str("owner_space", cfg.OwnerSpace).Logger()

	log.Info().Str("version", Version).Msg("App agent starting")

	dek, err := loadDEK(cfg.DEKFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load DEK")
	}

	store, err := storage.Open(cfg.StorePath, cfg.OwnerSpace, dek)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	client, err := transport.Connect(cfg.NATS, cfg.OwnerSpace)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer client.Close()

	authority := transport.NewAuthority(client, cfg.OwnerSpace)
	gate := connect.NewReadinessGate(client)
	queue := connect.NewQueue(store, authority)
	projection := connect.NewProjection(store, queue, client)
	handshake := connect.NewHandshake(gate, authority, store, projection, cfg.OwnerSpace)

	if err := projection.Load(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load connection set")
	}

	agent := NewAgent(cfg.OwnerSpace, projection, queue, handshake)
	if err := client.SubscribeRequests(agent.SubjectPattern(), agent.Handle); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to front-end requests")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	// Open the secure session and reconcile with the vault. Failures here
	// are not fatal: the agent keeps serving local state and retries when
	// connectivity returns.
	establishAndSync(ctx, client, authority, gate, projection, queue)

	run(ctx, cfg, client, authority, gate, projection, queue)

	log.Info().Msg("App agent shutdown complete")
}

// establishAndSync opens the vault session, reloads the canonical set, and
// drains any actions queued while offline.
func establishAndSync(
	ctx context.Context,
	client *transport.Client,
	authority *transport.Authority,
	gate *connect.ReadinessGate,
	projection *connect.Projection,
	queue *connect.Queue,
) {
	sessionCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.EstablishSession(sessionCtx); err != nil {
		log.Warn().Err(err).Msg("Secure session not established")
		return
	}

	if gate.Check() != connect.Ready {
		return
	}

	reloadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := projection.Reload(reloadCtx, authority); err != nil {
		log.Warn().Err(err).Msg("Failed to reload connections from vault")
	}

	go func() {
		if err := queue.Drain(ctx); err != nil {
			log.Warn().Err(err).Msg("Startup drain failed")
		}
	}()
}

// run is the agent's main loop: re-establish the session and drain the
// queue after every reconnect, and collect synced actions periodically.
func run(
	ctx context.Context,
	cfg *Config,
	client *transport.Client,
	authority *transport.Authority,
	gate *connect.ReadinessGate,
	projection *connect.Projection,
	queue *connect.Queue,
) {
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	gcTicker := time.NewTicker(time.Hour)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-client.Reconnected():
			log.Info().Msg("Connectivity restored, syncing")
			establishAndSync(ctx, client, authority, gate, projection, queue)

		case <-gcTicker.C:
			if removed, err := queue.Collect(retention); err != nil {
				log.Warn().Err(err).Msg("Action collection failed")
			} else if removed > 0 {
				log.Info().Int("removed", removed).Msg("Collected synced actions")
			}
		}
	}
}
