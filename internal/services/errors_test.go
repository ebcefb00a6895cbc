package services

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	sealed_errors "sealed-relay/pkg/errors"

	"github.com/stretchr/testify/assert"
)

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: nonce", sealed_errors.ErrInvalidInput), http.StatusBadRequest, "INVALID_REQUEST"},
		{sealed_errors.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
		{sealed_errors.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{sealed_errors.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{sealed_errors.ErrAlreadyExists, http.StatusConflict, "CONFLICT"},
		{sealed_errors.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
		{sealed_errors.ErrTooLarge, http.StatusRequestEntityTooLarge, "TOO_LARGE"},
		{sealed_errors.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{sealed_errors.ErrServiceUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{errors.New("connection reset"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.code, ErrorCode(tt.err))
		})
	}

	assert.Equal(t, "internal error", PublicMessage(errors.New("pq: relation missing")))
	assert.Equal(t, "forbidden: channel", PublicMessage(fmt.Errorf("%w: channel", sealed_errors.ErrForbidden)))
}
