// Command server runs the forget orchestrator: the public initiate/confirm
// API, the staff admin surface, and the shard worker consumer, in one
// process. Business logic lives in internal services packages.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"oblivion/internal/forget/engine"
	forgethandler "oblivion/internal/forget/handler"
	"oblivion/internal/forget/metrics"
	"oblivion/internal/forget/rules"
	"oblivion/internal/forget/service"
	requeststore "oblivion/internal/forget/store/request"
	"oblivion/internal/forget/worker"
	"oblivion/internal/identity"
	jwttoken "oblivion/internal/jwt_token"
	"oblivion/internal/notify"
	"oblivion/internal/platform/config"
	"oblivion/internal/platform/httpserver"
	"oblivion/internal/platform/logger"
	platformredis "oblivion/internal/platform/redis"
	"oblivion/internal/queue"
	"oblivion/internal/shard"
	"oblivion/pkg/platform/audit"
	auditmemory "oblivion/pkg/platform/audit/store/memory"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Request store.
	requestDB, err := sql.Open("postgres", cfg.RequestStoreDSN)
	if err != nil {
		return fmt.Errorf("open request store: %w", err)
	}
	defer requestDB.Close()
	if err := requestDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping request store: %w", err)
	}
	requests := requeststore.NewPostgres(requestDB)
	if err := requests.EnsureSchema(ctx); err != nil {
		return err
	}

	// Home shard identity store.
	homeDB, err := sql.Open("postgres", cfg.HomeShardDSN)
	if err != nil {
		return fmt.Errorf("open home shard: %w", err)
	}
	defer homeDB.Close()
	identities := identity.NewSQLStore(homeDB)
	if err := identities.EnsureSchema(ctx); err != nil {
		return err
	}

	// Session and profile-cache invalidation.
	var sessions identity.SessionInvalidator = identity.NoopInvalidator{}
	var cache identity.CacheInvalidator = identity.NoopInvalidator{}
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		inv := identity.NewRedisInvalidator(redisClient)
		sessions, cache = inv, inv
	}

	var avatars identity.AvatarBackend = identity.NoopAvatarBackend{}
	if cfg.AvatarDir != "" {
		avatars = identity.NewOSAvatarBackend(cfg.AvatarDir)
	}

	renamer := identity.NewRenamer(identities, sessions, cache, avatars,
		identity.WithRenamerLogger(log))

	// Shard work queue and consumer.
	kafkaQueue, err := queue.NewKafkaQueue(ctx, cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return fmt.Errorf("connect work queue: %w", err)
	}
	defer kafkaQueue.Close()
	consumer, err := queue.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, log)
	if err != nil {
		return fmt.Errorf("connect work consumer: %w", err)
	}
	defer consumer.Close()

	// Shard execution engine.
	provider := shard.NewStaticProvider(cfg.ShardDSNs)
	defer provider.Close()
	registry := rules.Build([]rules.DeletionProvider{rules.CoreRules{}},
		[]rules.ReplacementProvider{rules.CoreRules{}})
	eng := engine.New(engine.NewSQLSessionFactory(provider), registry,
		engine.WithLogger(log), engine.WithMetrics(m))

	auditor := audit.NewPublisher(auditmemory.New())

	shardIDs := make([]string, 0, len(cfg.ShardDSNs))
	for id := range cfg.ShardDSNs {
		shardIDs = append(shardIDs, id)
	}
	directory := identity.NewStaticDirectory(shardIDs)

	notifier := notify.NewLogNotifier(cfg.ConfirmBaseURL, log)
	svc := service.New(requests, identities, directory, renamer, kafkaQueue, notifier,
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithAudit(auditor),
		service.WithTokenTTL(cfg.TokenTTL),
	)

	wrk := worker.New(requests, eng, svc,
		worker.WithLogger(log), worker.WithMetrics(m))

	// HTTP surface.
	jwtService := jwttoken.NewJWTService(cfg.JWTSigningKey, "oblivion", "oblivion-admin")
	router := chi.NewRouter()
	forgethandler.New(svc, log, jwttoken.NewMiddlewareAdapter(jwtService)).Register(router)
	router.Handle("/metrics", promhttp.Handler())
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting oblivion server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("starting shard worker consumer", "group", cfg.KafkaGroup)
		if err := consumer.Run(gctx, wrk.Handle); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
