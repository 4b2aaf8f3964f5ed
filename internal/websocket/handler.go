// Package websocket serves the relay's /ws endpoint on top of
// coder/websocket and hands every connection to the lifecycle manager.
package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmrelay/internal/connection"
	"github.com/nfrund/dmrelay/internal/lifecycle"
	"github.com/nfrund/dmrelay/internal/middleware"
)

// Lifecycle is the part of the lifecycle manager the handler drives.
type Lifecycle interface {
	OnOpen(ctx context.Context, transport connection.Transport, token string) (*connection.Connection, error)
	OnMessage(ctx context.Context, conn *connection.Connection, raw []byte) error
	OnClose(conn *connection.Connection, status int, reason string) bool
}

// Handler upgrades HTTP requests to relay connections.
type Handler struct {
	lifecycle      Lifecycle
	cookieName     string
	maxFrameBytes  int64
	originPatterns []string
	logger         *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithOriginPatterns restricts cross-origin upgrades to hosts matching
// patterns. Without patterns any origin is accepted.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) {
		h.originPatterns = patterns
	}
}

// WithMaxFrameBytes caps inbound frame size; larger frames close the
// connection.
func WithMaxFrameBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxFrameBytes = n
		}
	}
}

func NewHandler(lifecycle Lifecycle, cookieName string, opts ...HandlerOption) *Handler {
	h := &Handler{
		lifecycle:     lifecycle,
		cookieName:    cookieName,
		maxFrameBytes: 64 << 10,
		logger:        slog.Default().With("service", "websocket"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve is the echo handler for GET /ws. The credential is read from the
// auth cookie, the token query parameter or a bearer header, in that order.
func (h *Handler) Serve(c echo.Context) error {
	req := c.Request()
	token := middleware.TokenFromRequest(req, h.cookieName)

	ws, err := websocket.Accept(c.Response(), req, &websocket.AcceptOptions{
		OriginPatterns:     h.originPatterns,
		InsecureSkipVerify: len(h.originPatterns) == 0,
	})
	if err != nil {
		// Accept has already written the error response.
		h.logger.Warn("Failed to upgrade connection to WebSocket", "error", err)
		return nil
	}
	ws.SetReadLimit(h.maxFrameBytes)

	ctx := req.Context()
	conn, err := h.lifecycle.OnOpen(ctx, NewTransport(ws), token)
	if err != nil {
		return nil
	}
	h.readLoop(ctx, ws, conn)
	return nil
}

// readLoop feeds inbound frames to the lifecycle manager until the peer goes
// away or the connection is closed from our side.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *connection.Connection) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			status, reason := closeCause(err)
			if status == connection.StatusNormal {
				h.logger.Debug("WebSocket closed by peer", "connection_id", conn.ID())
			} else {
				h.logger.Debug("WebSocket read ended", "connection_id", conn.ID(), "error", err)
			}
			h.lifecycle.OnClose(conn, status, reason)
			return
		}
		// Per-frame problems are handled and logged by the manager.
		_ = h.lifecycle.OnMessage(ctx, conn, data)
	}
}

func closeCause(err error) (int, string) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return connection.StatusNormal, lifecycle.ReasonPeerClosed
	case websocket.StatusMessageTooBig:
		return connection.StatusMessageTooBig, lifecycle.ReasonFrameTooLarge
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return connection.StatusGoingAway, lifecycle.ReasonPeerGone
	}
	return connection.StatusGoingAway, lifecycle.ReasonReadFailed
}
