package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vnguysoftware/revguard/internal/alerting"
	"github.com/vnguysoftware/revguard/internal/api"
	"github.com/vnguysoftware/revguard/internal/auth"
	"github.com/vnguysoftware/revguard/internal/backfill"
	"github.com/vnguysoftware/revguard/internal/circuit"
	"github.com/vnguysoftware/revguard/internal/config"
	"github.com/vnguysoftware/revguard/internal/detect"
	"github.com/vnguysoftware/revguard/internal/distlock"
	"github.com/vnguysoftware/revguard/internal/entitlement"
	"github.com/vnguysoftware/revguard/internal/identity"
	"github.com/vnguysoftware/revguard/internal/ingest"
	"github.com/vnguysoftware/revguard/internal/logging"
	"github.com/vnguysoftware/revguard/internal/normalize"
	"github.com/vnguysoftware/revguard/internal/query"
	"github.com/vnguysoftware/revguard/internal/queue"
	"github.com/vnguysoftware/revguard/internal/scheduler"
	"github.com/vnguysoftware/revguard/internal/store"
	"github.com/vnguysoftware/revguard/internal/vault"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "revguard",
	Short:   "Revguard - subscription webhook ingestion and revenue anomaly detection",
	Long:    `Revguard ingests billing webhooks from Stripe, Apple, Google, Recurly and Braintree, normalizes them into a canonical event stream, and flags revenue anomalies like unrevoked refunds and cross-platform conflicts.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Revguard %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.Migrate(ctx)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "revguard",
	})

	log.Info().
		Str("version", Version).
		Str("commit", GitCommit).
		Msg("Starting Revguard")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	v, err := vault.New(cfg.CredentialEncryptionKey, cfg.CredentialEncryptionKeyPrevious)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential vault")
	}

	// Redis backs the work queue, distributed locks, and backfill progress.
	// Without it everything falls back to in-process equivalents, which is
	// fine for a single node but loses state on restart.
	var (
		q       queue.Queue
		locker  distlock.Locker
		tracker *backfill.Tracker
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to reach Redis")
		}
		q = queue.NewRedis(client)
		locker = distlock.NewRedis(client)
		tracker = backfill.NewTracker(client)
	} else {
		log.Warn().Msg("REDIS_URL not set, using in-memory queue and locks")
		mq := queue.NewMemory()
		defer mq.Close()
		q = mq
		locker = distlock.NewMemory()
	}

	breakers := circuit.NewRegistry(circuit.DefaultConfig())
	dispatcher := alerting.NewDispatcher(st, breakers,
		alerting.WithDashboardURL(cfg.DashboardURL),
		alerting.WithSlackToken(cfg.SlackBotToken),
		alerting.WithWorkers(cfg.AlertWorkers))
	defer dispatcher.Close()

	registry := normalize.NewRegistry()
	resolver := identity.NewResolver(st)
	applier := entitlement.NewApplier(st)
	engine := detect.NewEngine(st, dispatcher)
	pipeline := ingest.NewPipeline(st, registry, resolver, applier, engine)

	workers := ingest.NewWorkers(q, pipeline, cfg.IngestWorkers)
	workers.AttemptTimeout = cfg.IngestTimeout
	go func() {
		if err := workers.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Ingest workers stopped")
		}
	}()

	backfills := backfill.NewEngine(st, pipeline, locker, tracker, v, breakers)
	backfills.SetProviderTimeout(cfg.ProviderTimeout)
	sched := scheduler.New(st, engine, locker)
	go sched.Run(ctx)

	server := api.NewServer(api.Deps{
		Store:       st,
		Queue:       q,
		Verifier:    auth.NewVerifier(st),
		Vault:       v,
		Normalizers: registry,
		Resolver:    resolver,
		Backfills:   backfills,
		Notifier:    dispatcher,
		Queries:     query.NewService(st),
		Breakers:    breakers,
		Version:     Version,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
}
