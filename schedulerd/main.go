// Command schedulerd runs the Ember scheduling daemon: Kafka ingest, the
// two-tier store, the execution and transfer loops, the analytics pipeline
// and the HTTP operational surface.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/emberhq/ember/schedulerd/analytics"
	"github.com/emberhq/ember/schedulerd/bus"
	"github.com/emberhq/ember/schedulerd/config"
	"github.com/emberhq/ember/schedulerd/coordination"
	"github.com/emberhq/ember/schedulerd/engine"
	"github.com/emberhq/ember/schedulerd/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (EMBER_CONFIG_FILE also works)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("configuration invalid")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().
		Timestamp().
		Str("service", "ember-schedulerd").
		Str("node", cfg.NodeID).
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Redis backs both the hot tier and the coordination leases.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	hot, err := store.NewRedisHotStoreFromClient(startCtx, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis hot store unavailable")
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("hot store connected")

	cold, executions := openColdBackend(startCtx, cfg, log)
	locks := coordination.NewLockManager(redisClient, cfg.NodeID, log)

	publisher, err := bus.NewKafkaPublisher(cfg.Kafka.Brokers, log)
	if err != nil {
		log.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("kafka producer unavailable")
	}

	hub := NewStreamHub(log)

	// Typed-nil guard: a nil *ClickHouseStore must stay a nil interface.
	var writer analytics.Writer
	var execReader ExecutionReader
	if executions != nil {
		writer = executions
		execReader = executions
	}
	sink := analytics.NewSink(writer, hub, analytics.SinkConfig{
		BatchSize:     cfg.AnalyticsBatchSize,
		FlushInterval: cfg.AnalyticsFlushInterval.Std(),
	}, log)

	engCfg := engine.Config{
		ImmediateHorizon: cfg.ImmediateHorizon.Std(),
		TransferHorizon:  cfg.TransferHorizon.Std(),
		HotInterval:      cfg.ProcessingInterval.Std(),
		TransferInterval: cfg.SyncInterval.Std(),
		MaxRetries:       cfg.MaxRetries,
		RetryDelay:       cfg.RetryDelay.Std(),
		MaxConcurrent:    cfg.MaxConcurrent,
		StaleClaim:       cfg.StaleClaim.Std(),
		TransferBatch:    cfg.TransferBatchLimit,
		TransferRate:     cfg.TransferRateLimit,
		CleanupEveryN:    cfg.CleanupEveryNTicks,
		NodeID:           cfg.NodeID,
	}

	eng := engine.NewEngine(hot, cold, engCfg, nil, log)
	pubBreaker := engine.NewBreaker("kafka_publish", cfg.BreakerFailureThreshold, cfg.BreakerCooldown.Std(), nil)
	hotBreaker := engine.NewBreaker("hot_store", cfg.BreakerFailureThreshold, cfg.BreakerCooldown.Std(), nil)
	coldBreaker := engine.NewBreaker("cold_store", cfg.BreakerFailureThreshold, cfg.BreakerCooldown.Std(), nil)
	hotLoop := engine.NewHotLoop(hot, cold, publisher, sink, pubBreaker, hotBreaker, engCfg, nil, log)
	transfer := engine.NewTransferLoop(hot, cold, locks, coldBreaker, engCfg, nil, log)

	consumer, err := bus.NewIngestConsumer(cfg.Kafka.Brokers, cfg.Kafka.Group, cfg.Kafka.DelayedTopic, eng, log)
	if err != nil {
		log.Fatal().Err(err).Str("topic", cfg.Kafka.DelayedTopic).Msg("kafka consumer unavailable")
	}

	sup := engine.NewSupervisor(log)
	sup.Add("stream_hub", hub.Run)
	sup.Add("analytics_sink", sink.Run)
	sup.Add("hot_loop", hotLoop.Run)
	sup.Add("transfer_loop", transfer.Run)
	sup.Add("ingest_consumer", consumer.Run)
	sup.Start(ctx)

	api := NewAPI(cfg, eng, hot, cold, locks, hotLoop, transfer, hub, execReader, log)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	// In-flight executions drain before connections close underneath them.
	sup.Stop(30 * time.Second)

	consumer.Close()
	publisher.Close()
	hot.Close()
	cold.Close()
	log.Info().Msg("stopped")
}

// openColdBackend builds the configured cold tier. Only the ClickHouse
// backend ships an analytics query store; with postgres or memory the
// execution stream still feeds metrics and the websocket.
func openColdBackend(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.ColdStore, *analytics.ClickHouseStore) {
	switch cfg.ColdBackend {
	case "clickhouse":
		cold, err := store.NewClickHouseColdStore(ctx, store.ClickHouseOptions{
			Addr:          cfg.ClickHouse.Addr,
			Database:      cfg.ClickHouse.Database,
			Username:      cfg.ClickHouse.User,
			Password:      cfg.ClickHouse.Password,
			RetentionDays: cfg.ExecutionHistoryTTLDays,
		})
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.ClickHouse.Addr).Msg("clickhouse cold store unavailable")
		}
		executions, err := analytics.NewClickHouseStore(ctx, analytics.ClickHouseOptions{
			Addr:          cfg.ClickHouse.Addr,
			Database:      cfg.ClickHouse.Database,
			Username:      cfg.ClickHouse.User,
			Password:      cfg.ClickHouse.Password,
			RetentionDays: cfg.ExecutionHistoryTTLDays,
		})
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.ClickHouse.Addr).Msg("clickhouse analytics store unavailable")
		}
		log.Info().Str("addr", cfg.ClickHouse.Addr).Msg("cold store connected (clickhouse)")
		return cold, executions

	case "postgres":
		cold, err := store.NewPostgresColdStore(ctx, cfg.PostgresURL, cfg.ExecutionHistoryTTLDays)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres cold store unavailable")
		}
		log.Info().Msg("cold store connected (postgres)")
		return cold, nil

	default: // "memory", validated in config
		log.Warn().Msg("memory cold store active; single-node dev mode only")
		return store.NewMemoryColdStore(time.Duration(cfg.ExecutionHistoryTTLDays) * 24 * time.Hour), nil
	}
}
