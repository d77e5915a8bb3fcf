package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/techletter/platform/libs/config"
	"github.com/techletter/platform/libs/eventbus"
	"github.com/techletter/platform/libs/httpx"
	"github.com/techletter/platform/libs/kafkax"
	otelx "github.com/techletter/platform/libs/otel"
	"github.com/techletter/platform/libs/runtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// reinjectGroup is the group prefix for the retry topics of base. Each retry
// topic adds its own suffix (eventbus.RetryGroup).
func reinjectGroup(groupID, base string) string {
	return groupID + "-retry-worker-" + strings.ReplaceAll(base, ".", "-")
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "retry-worker")
	port, err := config.Port("PORT", "8090")
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
	pollTimeout, err := config.Duration("EVENTBUS_POLL_TIMEOUT", eventbus.DefaultPollTimeout)
	if err != nil {
		panic(err)
	}
	logger.Info("retry worker configuring", "kafka", kafkaCfg.String(), "topics", len(busCfg.Topics),
		"retry_delays", busCfg.Ladder.Delays())

	if config.Bool("EVENTBUS_CREATE_TOPICS", true) {
		for _, t := range busCfg.Topics {
			setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := eventbus.EnsureTopics(setupCtx, kafkaCfg.Brokers, t, busCfg.Partitions)
			cancel()
			if err != nil {
				logger.Error("ensure topics failed", "topic", t.Base(), "err", err)
				panic(err)
			}
		}
	}

	reg := runtime.NewRegistry()
	metrics := eventbus.NewMetrics(reg)
	publisher := eventbus.NewPublisher(eventbus.NewKafkaWriter(kafkaCfg.Brokers), logger, metrics)
	bus := eventbus.NewBus(logger, publisher, eventbus.Config{
		Brokers:     kafkaCfg.Brokers,
		PollTimeout: pollTimeout,
		Metrics:     metrics,
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range busCfg.Topics {
		g.Go(func() error {
			return bus.Reinject(gctx, reinjectGroup(kafkaCfg.GroupID, t.Base()), t)
		})
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(kafkaCfg.Brokers)},
	)
	runtime.HandleMetrics(mux, reg)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "retry-worker")
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
	if err := g.Wait(); err != nil {
		logger.Error("reinjector error", "err", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Error("publisher close error", "err", err)
	}
	logger.Info("retry worker stopped")
}
