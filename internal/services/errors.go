package services

import (
	"errors"
	"net/http"

	sealed_errors "sealed-relay/pkg/errors"
)

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, sealed_errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, sealed_errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, sealed_errors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, sealed_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sealed_errors.ErrAlreadyExists), errors.Is(err, sealed_errors.ErrConflict), errors.Is(err, sealed_errors.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, sealed_errors.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, sealed_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, sealed_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode is the stable wire code for err, shared by HTTP responses and
// websocket error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, sealed_errors.ErrInvalidInput):
		return "INVALID_REQUEST"
	case errors.Is(err, sealed_errors.ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, sealed_errors.ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, sealed_errors.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, sealed_errors.ErrAlreadyExists), errors.Is(err, sealed_errors.ErrConflict):
		return "CONFLICT"
	case errors.Is(err, sealed_errors.ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, sealed_errors.ErrTooLarge):
		return "TOO_LARGE"
	case errors.Is(err, sealed_errors.ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, sealed_errors.ErrServiceUnavailable):
		return "UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// PublicMessage hides infrastructure error text from clients.
func PublicMessage(err error) string {
	if sealed_errors.IsTaxonomy(err) || errors.Is(err, sealed_errors.ErrServiceUnavailable) {
		return err.Error()
	}
	return "internal error"
}
