package server

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	appmiddleware "github.com/nfrund/dmrelay/internal/middleware"
)

// setupErrorHandling installs an error handler that renders every error as
// {"error": "..."} and logs unhandled errors with a stack trace.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		logger := appmiddleware.FromContext(c.Request().Context())

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg := http.StatusText(he.Code)
			if s, ok := he.Message.(string); ok {
				msg = s
			}
			if he.Code >= http.StatusInternalServerError {
				logger.Error("HTTP error", "status", he.Code, "error", err)
			}
			writeJSONError(c, he.Code, msg)
			return
		}

		logger.Error("Internal Server Error (Unhandled)",
			"error", err.Error(),
			"stack_trace", string(debug.Stack()),
		)
		writeJSONError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeJSONError(c echo.Context, status int, msg string) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, map[string]string{"error": msg})
	}
	if err != nil {
		appmiddleware.FromContext(c.Request().Context()).Error("Failed to write error response", "error", err)
	}
}
