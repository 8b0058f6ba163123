package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/experiment-engine/internal/config"
	"github.com/ILLUVRSE/experiment-engine/internal/events"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
	"github.com/ILLUVRSE/experiment-engine/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConsumer()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		log.Fatalf("tracing init: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	if cfg.RunMigrations {
		if err := store.Migrate(db); err != nil {
			log.Fatalf("migrations: %v", err)
		}
	}

	reader, err := events.NewKafkaReader(cfg.KafkaBrokers, cfg.Topic, cfg.GroupID)
	if err != nil {
		log.Fatalf("kafka reader: %v", err)
	}
	consumer := events.NewConsumer(reader, events.New(store.NewPGStore(db)), events.ConsumerConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	})

	log.Printf("Event consumer reading %s as group %s", cfg.Topic, cfg.GroupID)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("event consumer stopped: %v", err)
	}
}
