// Package serverlifecycle runs the HTTP gateway to completion: start,
// wait for a shutdown signal or a fatal error, then drain in-flight
// requests before exiting.
package serverlifecycle

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/xerrors"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Run starts an HTTP server bound to addr serving handler, and blocks
// until SIGINT/SIGTERM or a fatal listen error, then gracefully shuts
// down. Mirrors the signal-handling goroutine in
// cmd/wikipedia/wikipedia.go, adapted from a one-shot batch job to a
// long-running server.
func Run(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) errors.E {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("gateway listening")
		serveErr <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		logger.Info().Msg("received shutdown signal")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return xerrors.Wrap(xerrors.Internal, err, "gateway listener failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return xerrors.Wrap(xerrors.Internal, err, "gateway graceful shutdown failed")
	}

	logger.Info().Msg("gateway shut down cleanly")
	return nil
}
