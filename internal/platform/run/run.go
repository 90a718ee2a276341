package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type Runner struct {
	Logger *zap.Logger
	// Signals defaults to SIGINT and SIGTERM.
	Signals []os.Signal
}

func New(log *zap.Logger) *Runner {
	return &Runner{Logger: log}
}

// Service is anything with a blocking start and a graceful stop.
type Service interface {
	Start(log *zap.Logger) error
	Shutdown(ctx context.Context) error
}

// Serve starts svc and blocks until it exits or a signal arrives, then shuts it down
// within shutdownTimeout. The returned value is a process exit code.
func (r *Runner) Serve(svc Service) int {
	return r.WithSignals(func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Start(r.Logger) }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		c, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(c); err != nil {
			r.Logger.Warn("graceful shutdown", zap.Error(err))
		}
		return <-errCh
	})
}

func (r *Runner) WithSignals(start func(ctx context.Context) error) int {
	sigs := r.Signals
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ctx, stop := signal.NotifyContext(context.Background(), sigs...)
	defer stop()

	err := start(ctx)
	if ctx.Err() != nil {
		r.Logger.Info("shutdown signal received")
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return 0
	}
	r.Logger.Error("service exited with error", zap.Error(err))
	return 1
}

func Exit(code int) {
	os.Exit(code)
}
