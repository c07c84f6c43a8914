package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/darkhound/darkhound/pkg/hunt"
	"github.com/darkhound/darkhound/pkg/models"
)

// startHuntHandler handles POST /api/v1/hunts.
func (s *Server) startHuntHandler(c *echo.Context) error {
	var req models.StartHuntRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" || req.ModuleID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id and module_id are required")
	}

	h, err := s.sessions.StartHunt(c.Request().Context(), analystID(c), req.SessionID, req.ModuleID, req.RunAI)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, h)
}

// getHuntHandler handles GET /api/v1/hunts/:id.
func (s *Server) getHuntHandler(c *echo.Context) error {
	h, err := s.store.GetHunt(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, h)
}

// listObservationsHandler handles GET /api/v1/hunts/:id/observations.
func (s *Server) listObservationsHandler(c *echo.Context) error {
	obs, err := s.store.ListObservations(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, obs)
}

// cancelHuntHandler handles POST /api/v1/hunts/:id/cancel.
func (s *Server) cancelHuntHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	h, err := s.store.GetHunt(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.sessions.CancelHunt(ctx, analystID(c), h.SessionID, id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling"})
}

// deleteReportHandler handles DELETE /api/v1/hunts/reports/:id: drops a
// hunt record with its report text and observations.
func (s *Server) deleteReportHandler(c *echo.Context) error {
	if err := s.store.DeleteHunt(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// assetReportsHandler handles GET /api/v1/intelligence/assets/:id/reports.
func (s *Server) assetReportsHandler(c *echo.Context) error {
	reports, err := s.intel.ListAIReports(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, reports)
}

// listModulesHandler handles GET /api/v1/hunts/modules.
func (s *Server) listModulesHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.List())
}

// getModuleHandler handles GET /api/v1/hunts/modules/:id. With
// Accept: text/markdown the persisted source form is returned instead
// of JSON.
func (s *Server) getModuleHandler(c *echo.Context) error {
	mod, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	if c.Request().Header.Get("Accept") == "text/markdown" {
		return c.String(http.StatusOK, hunt.SerializeModule(mod))
	}
	return c.JSON(http.StatusOK, mod)
}

// createModuleHandler handles POST /api/v1/hunts/modules. The body is
// the module's markdown source.
func (s *Server) createModuleHandler(c *echo.Context) error {
	mod, err := s.bindModule(c)
	if err != nil {
		return err
	}
	if _, err := s.registry.Get(mod.ID); err == nil {
		return echo.NewHTTPError(http.StatusConflict, "module already exists: "+mod.ID)
	}
	if err := s.registry.Put(mod); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, mod)
}

// updateModuleHandler handles PUT /api/v1/hunts/modules/:id.
func (s *Server) updateModuleHandler(c *echo.Context) error {
	mod, err := s.bindModule(c)
	if err != nil {
		return err
	}
	if mod.ID != c.Param("id") {
		return echo.NewHTTPError(http.StatusBadRequest, "module id in body does not match URL")
	}
	if _, err := s.registry.Get(mod.ID); err != nil {
		return mapServiceError(err)
	}
	if err := s.registry.Put(mod); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, mod)
}

// deleteModuleHandler handles DELETE /api/v1/hunts/modules/:id.
func (s *Server) deleteModuleHandler(c *echo.Context) error {
	if err := s.registry.Delete(c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// bindModule parses the markdown module source from the request body.
func (s *Server) bindModule(c *echo.Context) (*hunt.Module, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	mod, err := hunt.ParseModule(body, s.registry.DefaultTimeout())
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return mod, nil
}
