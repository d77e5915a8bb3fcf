package runtime

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext returns a context that is cancelled on SIGINT or SIGTERM, or
// when parent is done. The signal that triggered shutdown is logged.
func SignalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := watchSignals(parent, logger, sigs)
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

func watchSignals(parent context.Context, logger *slog.Logger, sigs <-chan os.Signal) (context.Context, context.CancelFunc) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case sig := <-sigs:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
