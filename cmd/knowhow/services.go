package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"knowhow/internal/logging"
	"knowhow/internal/watcher"
)

const defaultShutdownTimeout = 5 * time.Second

var errStoppedEarly = errors.New("stopped before shutdown was requested")

// service is one long running part of knowhow. run blocks until ctx is done
// or the service fails; returning nil before ctx is done counts as a failure.
type service struct {
	name string
	run  func(ctx context.Context) error
}

// serviceGroup runs services until the parent context is done or one of them
// fails, which stops the rest.
type serviceGroup struct {
	logger *logging.Logger
}

func (group serviceGroup) run(ctx context.Context, services ...service) error {
	errs, groupCtx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		errs.Go(func() error {
			err := svc.run(groupCtx)
			if err == nil && groupCtx.Err() == nil {
				err = errStoppedEarly
			}
			if err == nil || errors.Is(err, context.Canceled) {
				group.logger.Debug("service stopped", map[string]string{
					"service": svc.name,
				})
				return nil
			}
			group.logger.Error("service failed", map[string]string{
				"service": svc.name,
				"error":   err.Error(),
			})
			return fmt.Errorf("%s: %w", svc.name, err)
		})
	}
	return errs.Wait()
}

// httpService serves on listener and, once ctx is done, drains in-flight
// requests for at most shutdownTimeout before closing what is left.
func httpService(server *http.Server, listener net.Listener, shutdownTimeout time.Duration) service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return service{
		name: "http",
		run: func(ctx context.Context) error {
			served := make(chan error, 1)
			go func() {
				served <- server.Serve(listener)
			}()

			select {
			case err := <-served:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			shutdownErr := server.Shutdown(shutdownCtx)
			if shutdownErr != nil {
				_ = server.Close()
			}
			if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			if shutdownErr != nil {
				return fmt.Errorf("shutdown: %w", shutdownErr)
			}
			return nil
		},
	}
}

// watchService runs the change detector and the dispatcher that consumes its
// events; either failing stops both.
func watchService(detector *watcher.Detector, dispatcher *watcher.Dispatcher, changes <-chan watcher.ChangeEvent) service {
	return service{
		name: "watch",
		run: func(ctx context.Context) error {
			pipeline, pipelineCtx := errgroup.WithContext(ctx)
			pipeline.Go(func() error { return detector.Run(pipelineCtx) })
			pipeline.Go(func() error { return dispatcher.Run(pipelineCtx, changes) })
			return pipeline.Wait()
		},
	}
}
