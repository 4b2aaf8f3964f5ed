package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmrelay/internal/domain"
)

// UserContextKey is the echo context key holding the caller's domain.Identity.
const UserContextKey = "identity"

// TokenFromRequest returns the credential carried by r. The auth cookie wins
// over the token query parameter, which wins over an Authorization bearer
// header. It returns "" when none is present.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get(echo.HeaderAuthorization); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return ""
}

// Auth protects routes that require an authenticated caller. Requests
// without a valid token get 401 and a cleared auth cookie.
func Auth(verifier domain.IdentityVerifier, cookieName string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := TokenFromRequest(c.Request(), cookieName)
			if token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			}

			identity, err := verifier.Verify(c.Request().Context(), token)
			if err != nil {
				FromContext(c.Request().Context()).Debug("Rejected credential", "error", err)
				c.SetCookie(&http.Cookie{
					Name:     cookieName,
					Value:    "",
					Path:     "/",
					MaxAge:   -1,
					HttpOnly: true,
				})
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			}

			c.Set(UserContextKey, identity)
			return next(c)
		}
	}
}

// IdentityFrom returns the identity Auth stored on c.
func IdentityFrom(c echo.Context) (domain.Identity, bool) {
	identity, ok := c.Get(UserContextKey).(domain.Identity)
	return identity, ok && !identity.IsZero()
}
