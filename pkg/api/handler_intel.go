package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/darkhound/darkhound/pkg/intel"
	"github.com/darkhound/darkhound/pkg/models"
)

// listFindingsHandler handles GET /api/v1/intelligence/findings.
func (s *Server) listFindingsHandler(c *echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	filters := models.FindingFilters{
		AssetID:   c.QueryParam("asset_id"),
		SessionID: c.QueryParam("session_id"),
		Status:    c.QueryParam("status"),
		Limit:     limit,
		Offset:    offset,
	}
	findings, err := s.intel.ListFindings(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &models.FindingListResponse{Findings: findings, TotalCount: len(findings)})
}

// getFindingHandler handles GET /api/v1/intelligence/findings/:id.
func (s *Server) getFindingHandler(c *echo.Context) error {
	f, err := s.intel.GetFinding(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, f)
}

// deleteFindingHandler handles DELETE /api/v1/intelligence/findings/:id.
func (s *Server) deleteFindingHandler(c *echo.Context) error {
	if err := s.intel.DeleteFinding(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// updateFindingStatusHandler handles PATCH /api/v1/intelligence/findings/:id/status.
func (s *Server) updateFindingStatusHandler(c *echo.Context) error {
	var req models.UpdateFindingStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.intel.UpdateStatus(c.Request().Context(), c.Param("id"), models.FindingStatus(req.Status)); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": req.Status})
}

// getSTIXHandler handles GET /api/v1/intelligence/findings/:id/stix. The
// bundle is built on demand and stored alongside the finding.
func (s *Server) getSTIXHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	f, err := s.intel.GetFinding(ctx, c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	if len(f.STIXBundle) > 0 {
		return c.Blob(http.StatusOK, "application/json", f.STIXBundle)
	}

	hostname := f.AssetID
	if a, err := s.store.GetAsset(ctx, f.AssetID); err == nil {
		hostname = a.Hostname
	}
	bundle, err := intel.BuildSTIXBundle(f, hostname)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.intel.AttachSTIX(ctx, f.ID, bundle); err != nil {
		s.log.Error("Storing STIX bundle failed", "finding_id", f.ID, "error", err)
	}
	return c.Blob(http.StatusOK, "application/json", bundle)
}

// getTimelineHandler handles GET /api/v1/intelligence/assets/:id/timeline.
func (s *Server) getTimelineHandler(c *echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	entries, err := s.intel.GetTimeline(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &models.TimelineResponse{AssetID: c.Param("id"), Entries: entries})
}

// clearTimelineHandler handles DELETE /api/v1/intelligence/assets/:id/timeline.
func (s *Server) clearTimelineHandler(c *echo.Context) error {
	if err := s.intel.ClearTimeline(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}
