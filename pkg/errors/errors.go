package sealed_errors

import "errors"

// Common errors
var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTooLarge           = errors.New("payload too large")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
)

// IsTaxonomy reports whether err belongs to the known client-facing error set.
// Anything else is treated as an infrastructure failure.
func IsTaxonomy(err error) bool {
	for _, target := range []error{
		ErrInvalidTransition, ErrUnauthorized, ErrForbidden, ErrNotFound,
		ErrConflict, ErrInvalidInput, ErrTooLarge, ErrRateLimited, ErrAlreadyExists,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
