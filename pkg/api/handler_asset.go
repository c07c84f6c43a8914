package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/darkhound/darkhound/pkg/models"
)

// listAssetsHandler handles GET /api/v1/assets.
func (s *Server) listAssetsHandler(c *echo.Context) error {
	assets, err := s.store.ListAssets(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, assets)
}

// getAssetHandler handles GET /api/v1/assets/:id.
func (s *Server) getAssetHandler(c *echo.Context) error {
	a, err := s.store.GetAsset(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// createAssetHandler handles POST /api/v1/assets. When the request
// carries secret material a sealed credential record is created first
// and linked to the asset.
func (s *Server) createAssetHandler(c *echo.Context) error {
	var req models.CreateAssetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	a := &models.Asset{
		Hostname: req.Hostname,
		IP:       req.IP,
		OS:       models.OSTag(req.OS),
		SSHPort:  req.SSHPort,
		Username: req.Username,
	}

	if req.Secret != "" {
		cred := &models.Credential{
			Kind:       req.SecretKind,
			SudoPolicy: models.SudoPolicy(req.SudoPolicy),
		}
		sealed, err := s.sealer.Seal([]byte(req.Secret))
		if err != nil {
			return mapServiceError(err)
		}
		cred.SealedSecret = sealed
		if req.SudoSecret != "" {
			sealedSudo, err := s.sealer.Seal([]byte(req.SudoSecret))
			if err != nil {
				return mapServiceError(err)
			}
			cred.SealedSudo = sealedSudo
		}
		if err := s.store.CreateCredential(ctx, cred); err != nil {
			return mapServiceError(err)
		}
		a.CredentialID = cred.ID
	}

	if err := s.store.CreateAsset(ctx, a); err != nil {
		// Do not leave an orphaned credential behind.
		if a.CredentialID != "" {
			_ = s.store.DeleteCredential(ctx, a.CredentialID)
		}
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

// patchAssetHandler handles PATCH /api/v1/assets/:id.
func (s *Server) patchAssetHandler(c *echo.Context) error {
	var patch models.PatchAssetRequest
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	a, err := s.store.PatchAsset(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// deleteAssetHandler handles DELETE /api/v1/assets/:id. Control-plane
// rows go first; intelligence records cascade after.
func (s *Server) deleteAssetHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if err := s.store.DeleteAsset(ctx, id); err != nil {
		return mapServiceError(err)
	}
	if err := s.intel.CascadeAssetDeleted(ctx, id); err != nil {
		s.log.Error("Intelligence cascade after asset delete failed", "asset_id", id, "error", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
