package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/middleware"
)

// ErrorResponse is the standard format for API error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AccountResponse is returned by register and login.
type AccountResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// PersonResponse is one directory entry.
type PersonResponse struct {
	UserID   string     `json:"userId"`
	Username string     `json:"username"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func NewPersonResponse(u domain.User) PersonResponse {
	return PersonResponse{UserID: u.ID, Username: u.Username, LastSeen: u.LastSeen}
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated), errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUserAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes it as a JSON error body. Internal errors
// are not echoed to the client.
func writeError(c echo.Context, err error, msg string) error {
	status := statusFor(err)
	logger := middleware.FromContext(c.Request().Context())
	if status >= http.StatusInternalServerError {
		logger.Error(msg, "error", err)
	} else {
		logger.Debug(msg, "error", err, "status", status)
	}
	if status == http.StatusInternalServerError {
		return c.JSON(status, ErrorResponse{Error: "internal error"})
	}
	return c.JSON(status, ErrorResponse{Error: msg})
}

// unauthorized is written when a route reached a handler without the
// identity middleware.Auth sets.
func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
}
