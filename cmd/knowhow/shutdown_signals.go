package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"

	"knowhow/internal/logging"
)

var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// shutdownSignalError is the cancel cause of a context stopped by a signal.
type shutdownSignalError struct {
	signal os.Signal
}

func (e shutdownSignalError) Error() string {
	return "received " + signalName(e.signal)
}

// newSignalContext derives a context that the first value on signals cancels,
// with a shutdownSignalError as its cause. Later signals are logged once and
// otherwise ignored so a graceful shutdown can finish. The returned stop
// releases the watcher and cancels the context.
func newSignalContext(parent context.Context, logger *logging.Logger, signals <-chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			cancel(context.Canceled)
		})
	}
	if signals == nil {
		return ctx, stop
	}

	go func() {
		received, noticed := false, false
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				fields := map[string]string{"signal": signalName(sig)}
				switch {
				case !received:
					received = true
					logger.Info("shutdown signal received", fields)
					cancel(shutdownSignalError{signal: sig})
				case !noticed:
					noticed = true
					logger.Info("shutdown already in progress; ignoring signal", fields)
				}
			}
		}
	}()
	return ctx, stop
}

// shutdownReason describes why ctx ended, for the final log line.
func shutdownReason(ctx context.Context) string {
	var signalErr shutdownSignalError
	if errors.As(context.Cause(ctx), &signalErr) {
		return signalErr.Error()
	}
	if ctx.Err() != nil {
		return "cancelled"
	}
	return "server stopped"
}

func signalName(sig os.Signal) string {
	if sig == nil {
		return "unknown signal"
	}
	return sig.String()
}
