package handlers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/middleware"
	"github.com/nfrund/dmrelay/internal/protocol"
	"github.com/samber/lo"
)

// RosterReader is the presence view the directory handler reports.
type RosterReader interface {
	SnapshotRoster() []domain.Identity
}

// DirectoryHandler serves conversation history, the registered-user
// directory and the online roster.
type DirectoryHandler struct {
	messages domain.MessageStore
	users    domain.UserRepository
	roster   RosterReader
}

func NewDirectoryHandler(messages domain.MessageStore, users domain.UserRepository, roster RosterReader) *DirectoryHandler {
	return &DirectoryHandler{messages: messages, users: users, roster: roster}
}

// History handles GET /messages/:userId. It returns the conversation
// between the caller and userId, oldest first.
func (h *DirectoryHandler) History(c echo.Context) error {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req HistoryRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, fmt.Errorf("bind: %w", domain.ErrMalformedInput), "invalid user id")
	}
	if err := c.Validate(&req); err != nil {
		return writeError(c, fmt.Errorf("%w: %s", domain.ErrMalformedInput, err.Error()), "user id is required")
	}

	msgs, err := h.messages.QueryBetween(c.Request().Context(), identity.ID, req.UserID)
	if err != nil {
		return writeError(c, err, "message history unavailable")
	}
	return c.JSON(http.StatusOK, msgs)
}

// People handles GET /people.
func (h *DirectoryHandler) People(c echo.Context) error {
	users, err := h.users.List(c.Request().Context())
	if err != nil {
		return writeError(c, err, "directory unavailable")
	}
	return c.JSON(http.StatusOK, lo.Map(users, func(u domain.User, _ int) PersonResponse {
		return NewPersonResponse(u)
	}))
}

// Online handles GET /online with the same shape as the pushed roster frame.
func (h *DirectoryHandler) Online(c echo.Context) error {
	return c.JSON(http.StatusOK, protocol.NewRosterFrame(h.roster.SnapshotRoster()))
}
