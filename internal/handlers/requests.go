package handlers

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var usernamePattern = regexp.MustCompile(`^[\p{L}\p{N}_.\-]+$`)

// CustomValidator wraps the go-playground/validator library to implement Echo's Validator interface.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new CustomValidator with the "username" tag registered.
func NewValidator() *CustomValidator {
	v := validator.New()
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return &CustomValidator{validator: v}
}

// Validate implements the echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// CredentialsRequest is the body of POST /register and POST /login.
type CredentialsRequest struct {
	Username string `json:"username" form:"username" validate:"required,min=3,max=32,username"`
	Password string `json:"password" form:"password" validate:"required,min=8,max=128"`
}

// HistoryRequest binds the peer of GET /messages/:userId.
type HistoryRequest struct {
	UserID string `param:"userId" validate:"required"`
}
