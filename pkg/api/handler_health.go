package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/darkhound/darkhound/pkg/database"
)

// healthHandler handles GET /api/v1/health. Reports DB reachability and
// session registry counts; 503 when the database is unreachable.
func (s *Server) healthHandler(c *echo.Context) error {
	body := map[string]any{
		"status":   "healthy",
		"sessions": s.sessions.Stats(),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		pool, err := database.CheckHealth(ctx, s.db)
		body["database"] = pool
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
	}
	return c.JSON(http.StatusOK, body)
}
