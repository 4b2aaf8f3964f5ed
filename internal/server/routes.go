package server

import (
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmrelay/internal/app"
	"github.com/nfrund/dmrelay/internal/auth"
	"github.com/nfrund/dmrelay/internal/handlers"
	"github.com/nfrund/dmrelay/internal/lifecycle"
	"github.com/nfrund/dmrelay/internal/middleware"
	"github.com/nfrund/dmrelay/internal/presence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do/v2"
)

// credentialRate is the per-IP request rate allowed on /register and /login.
const credentialRate = 5

// RegisterRoutes sets up the core routes and boots every module.
func (s *Server) RegisterRoutes() error {
	stores := do.MustInvoke[*app.Stores](s.Injector)
	tokens := do.MustInvoke[*auth.Tokens](s.Injector)
	registry := do.MustInvoke[*presence.Registry](s.Injector)

	authHandler := handlers.NewAuthHandler(stores.Users, tokens,
		s.Cfg.GetAuthCookieName(), s.Cfg.GetAuthCookieSecure(), s.Cfg.GetJWTTTL())
	manager := do.MustInvoke[*lifecycle.Manager](s.Injector)
	healthHandler := handlers.NewHealthHandler(registry, stores.Health, handlers.WithOpenConnections(manager.Count))
	requireAuth := middleware.Auth(tokens, s.Cfg.GetAuthCookieName())
	rateLimiter := middleware.RateLimiter(credentialRate)

	s.E.POST("/register", authHandler.Register, rateLimiter)
	s.E.POST("/login", authHandler.Login, rateLimiter)
	s.E.POST("/logout", authHandler.Logout)
	s.E.GET("/profile", authHandler.Profile, requireAuth)

	s.E.GET("/health", healthHandler.Health)
	if s.Cfg.GetMetricsEnabled() {
		reg := do.MustInvoke[*prometheus.Registry](s.Injector)
		s.E.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	root := s.E.Group("")
	for _, m := range s.modules {
		if err := m.Boot(s.ctx, root, s.Injector); err != nil {
			return fmt.Errorf("boot module %s: %w", m.Name(), err)
		}
		slog.Info("Booted module", "module", m.Name())
	}
	return nil
}
