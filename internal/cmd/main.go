package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/covenlabs/conclave/internal/api"
	"github.com/covenlabs/conclave/internal/config"
	"github.com/covenlabs/conclave/internal/dbconfig"
	"github.com/covenlabs/conclave/internal/engine"
	"github.com/covenlabs/conclave/internal/gateway"
	"github.com/covenlabs/conclave/internal/inference"
	"github.com/covenlabs/conclave/internal/outbox"
	"github.com/covenlabs/conclave/internal/recovery"
	"github.com/covenlabs/conclave/internal/sqlutil"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the yaml config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", *configPath).Msg("config file not loaded, using defaults")
		cfg = config.Default()
	}
	setupLogging(cfg.Logging)

	db, err := openDatabase()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	clock := clockwork.NewRealClock()

	provider := inference.NewClient(inference.ClientConfig{
		BaseURL:        cfg.Inference.BaseURL,
		APIKey:         cfg.Inference.APIKey,
		Model:          cfg.Inference.Model,
		RequestTimeout: cfg.Inference.RequestTimeout,
	})

	recoveryRepo := recovery.NewRepository(db)
	store := engine.NewPostgresStore(db, func(q sqlutil.DBTX) engine.AnomalyStore {
		return recovery.NewRepository(q)
	})
	eng := engine.NewEngine(store, provider, clock, engine.Config{
		DefaultDecisionWindow: cfg.Rounds.DefaultDecisionWindow,
		DefaultExtendWindow:   cfg.Rounds.DefaultExtendWindow,
		InferenceMaxAttempts:  cfg.Inference.MaxAttempts,
	})
	recoveryService := recovery.NewService(eng, recoveryRepo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Outbox publisher drains committed events into JetStream.
	publisher, err := outbox.NewJetStreamPublisher(outbox.JetStreamConfig{
		URL:           cfg.NATS.URL,
		StreamName:    cfg.NATS.StreamName,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}
	defer publisher.Close()

	outboxWorker := outbox.NewWorker(db, publisher, outbox.Config{})
	if err := outboxWorker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start outbox worker")
	}
	defer outboxWorker.Stop()

	// Gateway: delta window, connection manager, JetStream fan-in.
	deltas := gateway.NewDeltaLog(cfg.Recovery.RetainedDeltas)
	connManager := gateway.NewConnectionManager(eng, deltas, gateway.DefaultConnectionConfig())
	go connManager.Start(ctx)

	consumer, err := gateway.NewEventConsumer(connManager, deltas, gateway.JetStreamConsumerConfig{
		URL:           cfg.NATS.URL,
		StreamName:    cfg.NATS.StreamName,
		ConsumerName:  cfg.NATS.ConsumerName,
		SubjectFilter: cfg.NATS.SubjectPrefix + ".>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event consumer")
	}
	defer consumer.Close()
	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("event consumer failed")
		}
	}()

	// Deadline scheduler and anomaly detector.
	scheduler := engine.NewScheduler(eng, engine.SchedulerConfig{
		ScanInterval:    cfg.Recovery.ScanInterval,
		UrgentThreshold: cfg.Rounds.UrgentThreshold,
		BatchSize:       cfg.Rounds.SchedulerBatchSize,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	resultsRepo := inference.NewRepository(db)
	detector := recovery.NewDetector(eng, resultsRepo, recoveryRepo, clock, recovery.DetectorConfig{
		Interval:       cfg.Recovery.ScanInterval,
		PendingTimeout: cfg.Inference.TimeoutCeiling,
	})
	detector.Start(ctx)
	defer detector.Stop()

	// HTTP surface: command API + WebSocket gateway.
	handler := api.NewHandler(eng, recoveryService)
	wsHandler := gateway.NewWebSocketHandler(connManager)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, wsHandler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	cancel()
	log.Info().Msg("shutdown complete")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func openDatabase() (*sql.DB, error) {
	dbCfg := dbconfig.NewConfigFromEnv()
	db, err := sql.Open("pgx", dbCfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info().Str("database", dbCfg.Database).Msg("database connected")
	return db, nil
}
