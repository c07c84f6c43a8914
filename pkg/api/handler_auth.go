package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/darkhound/darkhound/pkg/models"
)

// loginHandler handles POST /api/v1/auth/login.
func (s *Server) loginHandler(c *echo.Context) error {
	var req models.LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	pair, err := s.auth.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &models.TokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	})
}

// refreshHandler handles POST /api/v1/auth/refresh. The presented
// refresh token is rotated; the old one is dead after this returns.
func (s *Server) refreshHandler(c *echo.Context) error {
	var req models.RefreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RefreshToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh_token is required")
	}

	pair, err := s.auth.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &models.TokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	})
}

// changePasswordHandler handles POST /api/v1/auth/change-password.
func (s *Server) changePasswordHandler(c *echo.Context) error {
	var req models.ChangePasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.auth.ChangePassword(c.Request().Context(), analystID(c), req.OldPassword, req.NewPassword); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "password changed"})
}
