package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nfrund/dmrelay/internal/app"
	"github.com/nfrund/dmrelay/internal/config"
	"github.com/nfrund/dmrelay/internal/handlers"
	"github.com/nfrund/dmrelay/internal/logging"
	appmiddleware "github.com/nfrund/dmrelay/internal/middleware"
	"github.com/nfrund/dmrelay/internal/module"
	"github.com/samber/do/v2"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	E        *echo.Echo
	Cfg      config.Provider
	Injector do.Injector

	modules []module.Module
	ctx     context.Context
	cancel  context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads configuration from the environment and creates a Server with
// the application modules.
func New() (*Server, error) {
	logging.New()
	cfg := config.New()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return NewWithConfig(cfg, AppModules()...)
}

// NewWithConfig creates a Server and runs the Register phase of modules.
func NewWithConfig(cfg config.Provider, modules ...module.Module) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.Validator = handlers.NewValidator()
	setupErrorHandling(e)

	e.Use(middleware.RequestID())
	e.Use(appmiddleware.Logger)
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.GetCORSOrigins(),
		AllowCredentials: true,
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		E:        e,
		Cfg:      cfg,
		Injector: app.NewInjector(cfg),
		modules:  modules,
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, m := range modules {
		if err := m.Register(s.Injector); err != nil {
			cancel()
			return nil, fmt.Errorf("register module %s: %w", m.Name(), err)
		}
		slog.Debug("Registered module", "module", m.Name())
	}
	return s, nil
}
