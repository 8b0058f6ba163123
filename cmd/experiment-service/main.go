package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/experiment-engine/internal/archive"
	"github.com/ILLUVRSE/experiment-engine/internal/assignment"
	"github.com/ILLUVRSE/experiment-engine/internal/auth"
	"github.com/ILLUVRSE/experiment-engine/internal/cache"
	"github.com/ILLUVRSE/experiment-engine/internal/config"
	"github.com/ILLUVRSE/experiment-engine/internal/events"
	"github.com/ILLUVRSE/experiment-engine/internal/experiments"
	"github.com/ILLUVRSE/experiment-engine/internal/exposure"
	"github.com/ILLUVRSE/experiment-engine/internal/httpserver"
	"github.com/ILLUVRSE/experiment-engine/internal/models"
	"github.com/ILLUVRSE/experiment-engine/internal/results"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
	"github.com/ILLUVRSE/experiment-engine/internal/telemetry"
)

const redisKeyPrefix = "experiment-engine:"

func main() {
	cfg, err := config.LoadService()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		log.Fatalf("tracing init: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	if cfg.RunMigrations {
		if err := store.Migrate(db); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		log.Printf("schema migrations applied")
	}
	st := store.NewPGStore(db)

	caches := cache.NewLocalSet(cache.Config{
		AssignmentSize: cfg.Cache.AssignmentSize,
		AssignmentTTL:  cfg.Cache.AssignmentTTL,
		ExperimentSize: cfg.Cache.ExperimentSize,
		ExperimentTTL:  cfg.Cache.ExperimentTTL,
	})
	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis ping failed, continuing with local caches in front: %v", err)
		}
		caches = cache.Set{
			Assignments: cache.NewTiered[models.Assignment](caches.Assignments,
				cache.NewRedis[models.Assignment](rdb, redisKeyPrefix, cfg.Cache.AssignmentTTL)),
			Experiments: cache.NewTiered[models.Experiment](caches.Experiments,
				cache.NewRedis[models.Experiment](rdb, redisKeyPrefix, cfg.Cache.ExperimentTTL)),
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var notifier assignment.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := exposure.NewKafkaProducer(exposure.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.ExposureTopic,
		})
		if err != nil {
			log.Fatalf("exposure producer: %v", err)
		}
		publisher := exposure.NewPublisher(producer, exposure.PublisherConfig{})
		notifier = publisher
		g.Go(func() error { return publisher.Run(gctx) })
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Tokens:    cfg.APITokens,
		JWTSecret: cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
	})
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	serverCfg := httpserver.Config{RequestTimeout: cfg.RequestTimeout, Auth: verifier}
	if cfg.ArchiveBucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("archive init: %v", err)
		}
		serverCfg.Archiver = archiver
	}

	server := httpserver.New(serverCfg, st, httpserver.Services{
		Experiments: experiments.New(st, caches.Experiments),
		Assignments: assignment.New(st, caches, notifier),
		Events:      events.New(st),
		Results:     results.New(st),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Printf("Experiment service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("experiment service stopped: %v", err)
		flush(shutdownTracing)
		os.Exit(1)
	}
	flush(shutdownTracing)
}

func flush(shutdown telemetry.Shutdown) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
}
