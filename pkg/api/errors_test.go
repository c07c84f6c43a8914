package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/darkhound/darkhound/pkg/services"
)

func TestMapServiceError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{services.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", services.ErrNotFound), http.StatusNotFound},
		{services.ErrInvalidInput, http.StatusBadRequest},
		{services.NewValidationError("mode", "must be ai or interactive"), http.StatusBadRequest},
		{services.ErrAlreadyExists, http.StatusConflict},
		{services.ErrLocked, http.StatusConflict},
		{services.ErrBusy, http.StatusConflict},
		{services.ErrIncompatibleOS, http.StatusConflict},
		{services.ErrSessionTerminal, http.StatusConflict},
		{services.ErrAuthRequired, http.StatusUnauthorized},
		{services.ErrForbidden, http.StatusForbidden},
		{services.ErrShutdown, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, mapServiceError(tc.err).Code, "error: %v", tc.err)
	}
}

func TestMapServiceErrorConflictLabels(t *testing.T) {
	assert.Equal(t, "Locked", mapServiceError(services.ErrLocked).Message)
	assert.Equal(t, "IncompatibleOS", mapServiceError(services.ErrIncompatibleOS).Message)
	assert.Equal(t, "Busy", mapServiceError(services.ErrBusy).Message)
}
