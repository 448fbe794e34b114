package common

import (
	"errors"
	"net/http"

	"gorm.io/gorm"
)

// Business logic errors
var (
	// Surfaced immediately, never retried
	ErrValidation       = errors.New("validation error")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("resource not found")

	// Persistence unavailable; callers retry with backoff
	ErrTransientStore = errors.New("transient store error")

	// Logged and swallowed after a successful commit
	ErrBroadcastFailure = errors.New("broadcast failure")

	// Auth errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// StoreError classifies a gorm error. Record-not-found maps to ErrNotFound,
// everything else from the persistence layer is treated as transient.
func StoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, ErrTransientStore) {
		return err
	}
	return errors.Join(ErrTransientStore, err)
}

// HTTPStatus maps a business error to its HTTP status code
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRecipient):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTransientStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
