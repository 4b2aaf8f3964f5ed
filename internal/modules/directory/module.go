// Package directory serves conversation history, the registered-user
// directory and the online roster, and keeps users' last-seen times.
package directory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmrelay/internal/app"
	"github.com/nfrund/dmrelay/internal/auth"
	"github.com/nfrund/dmrelay/internal/config"
	"github.com/nfrund/dmrelay/internal/events"
	"github.com/nfrund/dmrelay/internal/handlers"
	"github.com/nfrund/dmrelay/internal/middleware"
	"github.com/nfrund/dmrelay/internal/module"
	"github.com/nfrund/dmrelay/internal/presence"
	"github.com/nfrund/dmrelay/internal/pubsub"
	"github.com/samber/do/v2"
)

type Module struct {
	module.BaseModule
}

func New() *Module {
	return &Module{}
}

func (m *Module) Name() string {
	return "directory"
}

// Register provides the directory handler and the last-seen updater.
func (m *Module) Register(i do.Injector) error {
	do.Provide(i, func(i do.Injector) (*handlers.DirectoryHandler, error) {
		stores := do.MustInvoke[*app.Stores](i)
		return handlers.NewDirectoryHandler(stores.Messages, stores.Users, do.MustInvoke[*presence.Registry](i)), nil
	})
	do.Provide(i, func(i do.Injector) (*LastSeenUpdater, error) {
		return NewLastSeenUpdater(do.MustInvoke[*app.Stores](i).Users), nil
	})
	return nil
}

// Boot mounts the authenticated directory routes and subscribes the
// last-seen updater to connection close events.
func (m *Module) Boot(ctx context.Context, g *echo.Group, i do.Injector) error {
	handler, err := do.Invoke[*handlers.DirectoryHandler](i)
	if err != nil {
		return fmt.Errorf("resolve directory handler: %w", err)
	}
	updater, err := do.Invoke[*LastSeenUpdater](i)
	if err != nil {
		return fmt.Errorf("resolve last-seen updater: %w", err)
	}
	bus, err := do.Invoke[*pubsub.WatermillBridge](i)
	if err != nil {
		return fmt.Errorf("resolve event bus: %w", err)
	}
	cfg := do.MustInvoke[config.Provider](i)
	requireAuth := middleware.Auth(do.MustInvoke[*auth.Tokens](i), cfg.GetAuthCookieName())

	if err := pubsub.Subscribe(ctx, bus, events.ConnectionClosed, updater.HandleClosed); err != nil {
		return fmt.Errorf("subscribe to %s: %w", events.ConnectionClosed.Name(), err)
	}

	g.GET("/messages/:userId", handler.History, requireAuth)
	g.GET("/people", handler.People, requireAuth)
	g.GET("/online", handler.Online, requireAuth)

	slog.Info("Booted directory module")
	return nil
}
