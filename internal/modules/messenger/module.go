// Package messenger mounts the relay's WebSocket endpoint and runs the
// presence broadcaster and heartbeat sweeper.
package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmrelay/internal/config"
	"github.com/nfrund/dmrelay/internal/lifecycle"
	"github.com/nfrund/dmrelay/internal/module"
	"github.com/nfrund/dmrelay/internal/presence"
	"github.com/nfrund/dmrelay/internal/websocket"
	"github.com/samber/do/v2"
)

// Module implements module.Module for the messaging endpoint.
type Module struct {
	module.BaseModule
	manager *lifecycle.Manager
	cancel  context.CancelFunc
	done    chan struct{}
}

func New() *Module {
	return &Module{}
}

func (m *Module) Name() string {
	return "messenger"
}

// Register provides the WebSocket handler.
func (m *Module) Register(i do.Injector) error {
	do.Provide(i, func(i do.Injector) (*websocket.Handler, error) {
		cfg := do.MustInvoke[config.Provider](i)
		return websocket.NewHandler(
			do.MustInvoke[*lifecycle.Manager](i),
			cfg.GetAuthCookieName(),
			websocket.WithMaxFrameBytes(cfg.GetMaxFrameBytes()),
			websocket.WithOriginPatterns(OriginPatterns(cfg.GetCORSOrigins())...),
		), nil
	})
	return nil
}

// Boot mounts GET /ws and starts the broadcaster and the heartbeat sweeper.
// Both stop when Shutdown runs or ctx ends.
func (m *Module) Boot(ctx context.Context, g *echo.Group, i do.Injector) error {
	handler, err := do.Invoke[*websocket.Handler](i)
	if err != nil {
		return fmt.Errorf("resolve websocket handler: %w", err)
	}
	manager, err := do.Invoke[*lifecycle.Manager](i)
	if err != nil {
		return fmt.Errorf("resolve lifecycle manager: %w", err)
	}
	broadcaster, err := do.Invoke[*presence.Broadcaster](i)
	if err != nil {
		return fmt.Errorf("resolve broadcaster: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.manager = manager
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		go broadcaster.Run(runCtx)
		manager.Run(runCtx)
	}()

	g.GET("/ws", handler.Serve)
	slog.Info("Booted messenger module", "route", "/ws")
	return nil
}

// Shutdown closes every live connection with a going-away status, then
// stops the background loops.
func (m *Module) Shutdown(ctx context.Context) error {
	if m.manager == nil {
		return nil
	}
	err := m.manager.Shutdown(ctx)
	m.cancel()
	select {
	case <-m.done:
	case <-ctx.Done():
	}
	slog.Info("Messenger module stopped", "error", err)
	return err
}

// OriginPatterns converts CORS origins ("https://chat.example.com") into
// the host patterns the WebSocket upgrade checks against.
func OriginPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}
