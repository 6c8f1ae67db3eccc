package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dimroute/internal/logging"
)

// releaser is one resource to give back at shutdown.
type releaser struct {
	name    string
	release func(context.Context) error
}

// cleanupStack releases resources in reverse order of acquisition.
type cleanupStack []releaser

func (s *cleanupStack) push(name string, release func(context.Context) error) {
	*s = append(*s, releaser{name: name, release: release})
}

// run releases every resource, even after a failure, and joins the failures.
func (s cleanupStack) run(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		r := s[i]
		err := r.release(ctx)
		if err == nil {
			continue
		}
		if logger != nil {
			logger.Warn("cleanup failed", slog.String("component", r.name), slog.String("error", err.Error()))
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
	}
	return errors.Join(errs...)
}

// Shutdown releases everything Init acquired. Only the first call does any work; later
// calls return its result.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		cleanup := a.cleanup
		a.cleanup = nil
		a.initialized = false
		a.stateMu.Unlock()

		a.shutdownErr = cleanup.run(ctx, a.logger)
	})

	return a.shutdownErr
}
