package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/dmrelay/internal/auth"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/middleware"
)

// AuthHandler serves account registration, login, logout and profile.
type AuthHandler struct {
	users        domain.UserRepository
	tokens       domain.TokenIssuer
	cookieName   string
	cookieSecure bool
	ttl          time.Duration
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(users domain.UserRepository, tokens domain.TokenIssuer, cookieName string, cookieSecure bool, ttl time.Duration) *AuthHandler {
	return &AuthHandler{
		users:        users,
		tokens:       tokens,
		cookieName:   cookieName,
		cookieSecure: cookieSecure,
		ttl:          ttl,
	}
}

// Register handles POST /register.
func (h *AuthHandler) Register(c echo.Context) error {
	req, err := bindCredentials(c)
	if err != nil {
		return writeError(c, err, err.Error())
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return writeError(c, err, "could not create account")
	}

	user, err := h.users.Create(c.Request().Context(), req.Username, hash)
	if err != nil {
		if errors.Is(err, domain.ErrUserAlreadyExists) {
			return writeError(c, err, "username already taken")
		}
		return writeError(c, err, "could not create account")
	}

	if err := h.startSession(c, user.Identity()); err != nil {
		return writeError(c, err, "could not issue token")
	}
	middleware.FromContext(c.Request().Context()).Info("Registered user", "user_id", user.ID, "username", user.Username)
	return c.JSON(http.StatusCreated, AccountResponse{ID: user.ID, Username: user.Username})
}

// Login handles POST /login. Unknown users and wrong passwords produce the
// same 401.
func (h *AuthHandler) Login(c echo.Context) error {
	req, err := bindCredentials(c)
	if err != nil {
		return writeError(c, err, err.Error())
	}

	user, err := h.users.FindByUsername(c.Request().Context(), req.Username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return writeError(c, domain.ErrInvalidCredentials, "invalid username or password")
		}
		return writeError(c, err, "could not sign in")
	}

	ok, err := auth.ComparePassword(req.Password, user.PasswordHash)
	if err != nil {
		return writeError(c, err, "could not sign in")
	}
	if !ok {
		middleware.FromContext(c.Request().Context()).Warn("Failed login attempt", "username", req.Username)
		return writeError(c, domain.ErrInvalidCredentials, "invalid username or password")
	}

	if err := h.startSession(c, user.Identity()); err != nil {
		return writeError(c, err, "could not issue token")
	}
	return c.JSON(http.StatusOK, AccountResponse{ID: user.ID, Username: user.Username})
}

// Logout handles POST /logout by expiring the auth cookie.
func (h *AuthHandler) Logout(c echo.Context) error {
	h.setAuthCookie(c, "")
	return c.JSON(http.StatusOK, "ok")
}

// Profile handles GET /profile.
func (h *AuthHandler) Profile(c echo.Context) error {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		return unauthorized(c)
	}
	return c.JSON(http.StatusOK, identity)
}

func (h *AuthHandler) startSession(c echo.Context, identity domain.Identity) error {
	token, err := h.tokens.Issue(identity)
	if err != nil {
		return err
	}
	h.setAuthCookie(c, token)
	return nil
}

// setAuthCookie sets the token cookie, or expires it when token is empty.
func (h *AuthHandler) setAuthCookie(c echo.Context, token string) {
	cookie := &http.Cookie{
		Name:     h.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookieSecure || c.Request().TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
	if token == "" {
		cookie.MaxAge = -1
	} else {
		cookie.Expires = time.Now().UTC().Add(h.ttl)
	}
	c.SetCookie(cookie)
}

func bindCredentials(c echo.Context) (CredentialsRequest, error) {
	var req CredentialsRequest
	if err := c.Bind(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", domain.ErrMalformedInput)
	}
	if err := c.Validate(&req); err != nil {
		return req, fmt.Errorf("%w: %s", domain.ErrMalformedInput, err.Error())
	}
	return req, nil
}
