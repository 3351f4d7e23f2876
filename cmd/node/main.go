package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/l2book/params"
	"github.com/uhyunpark/l2book/pkg/api"
	"github.com/uhyunpark/l2book/pkg/app/core/ledger"
	"github.com/uhyunpark/l2book/pkg/app/core/matching"
	"github.com/uhyunpark/l2book/pkg/crypto"
	"github.com/uhyunpark/l2book/pkg/events"
	"github.com/uhyunpark/l2book/pkg/storage"
	"github.com/uhyunpark/l2book/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Store ----
	store, err := openStore(ctx, cfg)
	if err != nil {
		sugar.Fatalw("store_open_failed", "backend", cfg.Store.Backend, "err", err)
	}
	defer store.Close()
	sugar.Infow("store_opened", "backend", cfg.Store.Backend)

	// ---- Matching ----
	hasher, err := crypto.NewHasher(cfg.DomainSeparator())
	if err != nil {
		sugar.Fatalw("hasher_init_failed", "err", err)
	}
	engine := matching.NewEngine(store, hasher, cfg.MatchingConfig())
	engine.Logger = logger.Named("matching")

	// ---- API + publishers ----
	server := api.NewServer(engine, store, logger.Named("api"), cfg.API.AllowedOrigins)
	publishers := events.Multi{server.Hub()}

	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		publishers = append(publishers, kp)
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	} else {
		sugar.Info("kafka_disabled")
	}
	engine.Publisher = publishers

	sugar.Infow("node_starting",
		"domain", cfg.Domain.Name,
		"domain_version", cfg.Domain.Version,
		"domain_hash", hasher.DomainHash().Hex(),
		"self_trade_policy", cfg.Matching.SelfTradePolicy,
		"book_depth", cfg.Matching.BookDepth)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx, cfg.API.Addr)
	}()

	select {
	case <-ctx.Done():
		sugar.Info("shutdown_requested")
	case err := <-errCh:
		if err != nil {
			sugar.Errorw("api_server_failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	// Deliver queued fills before the Kafka writer closes
	engine.Close()
	sugar.Info("node_stopped")
}

// openStore opens the configured backend once for the life of the process
func openStore(ctx context.Context, cfg params.Config) (ledger.Store, error) {
	switch cfg.Store.Backend {
	case params.BackendPostgres:
		s, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case params.BackendMemory:
		return storage.NewMemoryStore(), nil
	default:
		s, err := storage.NewPebbleStore(cfg.Store.PebblePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
