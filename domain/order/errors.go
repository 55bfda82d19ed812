package order

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError reports missing or out-of-range input.
type ValidationError struct {
	Msg string
}

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return e.Msg }

// AuthErrorMessage is the only text an authentication failure shows.
const AuthErrorMessage = "invalid authorization"

// AuthError hides which check failed; Cause is for logs only.
type AuthError struct {
	Cause error
}

func NewAuthError(cause error) error {
	return &AuthError{Cause: cause}
}

func (e *AuthError) Error() string { return AuthErrorMessage }

func (e *AuthError) Unwrap() error { return e.Cause }

// BusinessError is a rule rejection whose message is safe to surface.
type BusinessError struct {
	Msg string
}

func NewBusinessError(format string, args ...any) error {
	return &BusinessError{Msg: fmt.Sprintf(format, args...)}
}

func (e *BusinessError) Error() string { return e.Msg }

// NotFoundError reports an unknown order hash.
type NotFoundError struct {
	Msg string
}

func NewNotFoundError(format string, args ...any) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

func (e *NotFoundError) Error() string { return e.Msg }

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

func IsBusiness(err error) bool {
	var e *BusinessError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}
