package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// shutdownHTTP waits up to grace for in-flight requests. Handlers still
// running after that (open nudge streams) are cancelled through
// cancelRequests, which must cancel the server's BaseContext, and then the
// remaining connections are closed.
func shutdownHTTP(srv *http.Server, cancelRequests context.CancelFunc, grace time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := srv.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	logger.Warn("shutdown: grace period over, cancelling open requests", "grace", grace)
	cancelRequests()
	// Shutdown already closed the listener.
	if err := srv.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
