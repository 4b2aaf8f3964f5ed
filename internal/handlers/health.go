package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/middleware"
)

// Counter reports live connection and online user counts.
type Counter interface {
	Counts() (connections, users int)
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	counter Counter
	open    func() int
	store   domain.Pinger
	timeout time.Duration
}

type HealthOption func(*HealthHandler)

// WithOpenConnections reports every open connection, authenticated or not,
// so connections still waiting to authenticate show up as pending.
func WithOpenConnections(count func() int) HealthOption {
	return func(h *HealthHandler) {
		h.open = count
	}
}

// NewHealthHandler creates a HealthHandler. store may be nil when the
// backend cannot report its health.
func NewHealthHandler(counter Counter, store domain.Pinger, opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{counter: counter, store: store, timeout: 2 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Pending     int    `json:"pending,omitempty"`
	Online      int    `json:"online"`
	Error       string `json:"error,omitempty"`
}

func (h *HealthHandler) Health(c echo.Context) error {
	conns, users := h.counter.Counts()
	resp := healthResponse{Status: "ok", Connections: conns, Online: users}
	if h.open != nil {
		// Registration lags the open set briefly, so clamp at zero.
		resp.Pending = max(h.open()-conns, 0)
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			middleware.FromContext(ctx).Warn("Store health check failed", "error", err)
			resp.Status = "degraded"
			resp.Error = "message store unavailable"
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}
