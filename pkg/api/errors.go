package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/darkhound/darkhound/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, services.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	case errors.Is(err, services.ErrLocked):
		return echo.NewHTTPError(http.StatusConflict, "Locked")
	case errors.Is(err, services.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, "Busy")
	case errors.Is(err, services.ErrIncompatibleOS):
		return echo.NewHTTPError(http.StatusConflict, "IncompatibleOS")
	case errors.Is(err, services.ErrSessionTerminal):
		return echo.NewHTTPError(http.StatusConflict, "session is in a terminal state")
	case errors.Is(err, services.ErrAuthRequired):
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	case errors.Is(err, services.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	case errors.Is(err, services.ErrShutdown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
