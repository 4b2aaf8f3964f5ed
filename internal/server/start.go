package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nfrund/dmrelay/internal/app"
)

const shutdownTimeout = 10 * time.Second

// Start runs the HTTP server until SIGINT or SIGTERM, then shuts down.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", s.Cfg.GetServerAddr(), "backend", s.Cfg.GetStoreBackend())
		if err := s.E.Start(s.Cfg.GetServerAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Server failed", "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, s.Shutdown(ctx))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting requests, shuts modules down in reverse order so
// live connections close with a going-away status, then releases the bus,
// the tracer and the store. Later calls return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	var errs []error
	if err := s.E.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for idx := len(s.modules) - 1; idx >= 0; idx-- {
		m := s.modules[idx]
		if err := m.Shutdown(ctx); err != nil {
			slog.Error("Module shutdown failed", "module", m.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	s.cancel()
	if err := app.Close(ctx, s.Injector); err != nil {
		errs = append(errs, err)
	}
	slog.Info("Server stopped")
	return errors.Join(errs...)
}
