package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/techletter/platform/libs/config"
	"github.com/techletter/platform/libs/db"
	"github.com/techletter/platform/libs/eventbus"
	"github.com/techletter/platform/libs/httpx"
	"github.com/techletter/platform/libs/inbox"
	"github.com/techletter/platform/libs/kafkax"
	"github.com/techletter/platform/libs/outbox"
	otelx "github.com/techletter/platform/libs/otel"
	"github.com/techletter/platform/libs/runtime"
	"github.com/techletter/platform/services/dlq-archiver/internal/archive"
	"github.com/techletter/platform/services/dlq-archiver/internal/handlers"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "dlq-archiver")
	port, err := config.Port("PORT", "8091")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext(context.Background(), logger)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	kafkaCfg, err := config.KafkaFromEnv()
	if err != nil {
		panic(err)
	}
	busCfg, err := config.LoadEventBusFile(config.String("EVENTBUS_CONFIG", ""))
	if err != nil {
		panic(err)
	}
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL, db.WithApplicationName(service))
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboxRepo := outbox.NewRepository(pool)
	if err := outboxRepo.EnsureSchema(ctx); err != nil {
		logger.Error("outbox schema setup failed", "err", err)
		panic(err)
	}
	repo := archive.NewRepository(pool, outboxRepo)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Error("archive schema setup failed", "err", err)
		panic(err)
	}

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(kafkaCfg.Brokers)},
	}

	var store inbox.Store
	switch strings.ToLower(config.String("INBOX_BACKEND", "postgres")) {
	case "redis":
		opts, err := redis.ParseURL(config.String("REDIS_URL", "redis://redis:6379/0"))
		if err != nil {
			panic(err)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		ttl, err := config.Duration("INBOX_TTL", inbox.DefaultRedisTTL)
		if err != nil {
			panic(err)
		}
		store = inbox.NewRedisStore(rdb, service, ttl)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: inbox.RedisReadyCheck(rdb)})
	case "none":
	default:
		pg := inbox.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("inbox schema setup failed", "err", err)
			panic(err)
		}
		store = pg
	}

	reg := runtime.NewRegistry()
	publisher := eventbus.NewPublisher(eventbus.NewKafkaWriter(kafkaCfg.Brokers), logger, eventbus.NewMetrics(reg))

	archiver := archive.New(logger, repo, archive.Config{
		NewReader: eventbus.KafkaReaderFactory(kafkaCfg.Brokers),
		Inbox:     store,
		Metrics:   archive.NewMetrics(reg),
	})
	relay := outbox.NewRelay(pool, outboxRepo, publisher, logger, outbox.RelayConfig{})

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		_ = archiver.Run(ctx, kafkaCfg.GroupID, busCfg.Topics)
	}()
	go func() {
		defer workers.Done()
		relay.Run(ctx)
	}()

	mux := runtime.NewBaseMuxWithReady(checks...)
	runtime.HandleMetrics(mux, reg)
	handlers.New(repo, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithTimeout(15*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "dlq-archiver")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	workers.Wait()
	if err := publisher.Close(); err != nil {
		logger.Error("publisher close error", "err", err)
	}
	logger.Info("dlq archiver stopped")
}
