package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

// createSessionHandler handles POST /api/v1/sessions. Admission dedups
// per (analyst, asset): re-posting while a live session exists returns
// that session rather than opening a second SSH connection.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req models.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AssetID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "asset_id is required")
	}

	mode := models.SessionMode(req.Mode)
	if mode == "" {
		mode = models.ModeInteractive
	}

	sess, err := s.sessions.CreateSession(c.Request().Context(), analystID(c), req.AssetID, mode)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// getSessionHandler handles GET /api/v1/sessions/:id. Live sessions come
// from the registry; terminated ones fall back to the store.
func (s *Server) getSessionHandler(c *echo.Context) error {
	id := c.Param("id")
	if sess, err := s.sessions.Get(id); err == nil {
		return c.JSON(http.StatusOK, sess)
	} else if !errors.Is(err, services.ErrNotFound) {
		return mapServiceError(err)
	}

	sess, err := s.store.GetSession(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	sessions, total, err := s.store.ListSessions(c.Request().Context(), c.QueryParam("asset_id"), limit, offset)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &models.SessionListResponse{Sessions: sessions, TotalCount: total})
}

// terminateSessionHandler handles DELETE /api/v1/sessions/:id.
func (s *Server) terminateSessionHandler(c *echo.Context) error {
	if err := s.sessions.Terminate(c.Request().Context(), analystID(c), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "terminated"})
}

// lockSessionHandler handles POST /api/v1/sessions/:id/lock.
func (s *Server) lockSessionHandler(c *echo.Context) error {
	if err := s.sessions.Lock(c.Request().Context(), analystID(c), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "locked"})
}

// unlockSessionHandler handles POST /api/v1/sessions/:id/unlock.
func (s *Server) unlockSessionHandler(c *echo.Context) error {
	if err := s.sessions.Unlock(c.Request().Context(), analystID(c), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "unlocked"})
}

// listSessionHuntsHandler handles GET /api/v1/sessions/:id/hunts.
func (s *Server) listSessionHuntsHandler(c *echo.Context) error {
	hunts, err := s.store.ListHuntsBySession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, hunts)
}

// sessionReportsHandler handles GET /api/v1/sessions/:id/reports: the AI
// report texts of the session's hunts.
func (s *Server) sessionReportsHandler(c *echo.Context) error {
	hunts, err := s.store.ListHuntsBySession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	reports := make([]*models.Hunt, 0, len(hunts))
	for _, h := range hunts {
		if h.AIReportText != "" {
			reports = append(reports, h)
		}
	}
	return c.JSON(http.StatusOK, reports)
}
