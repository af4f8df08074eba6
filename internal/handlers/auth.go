package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hostwise/hostwise/internal/auth"
)

// AuthHandler refreshes operator tokens. Initial tokens are minted with
// the token subcommand.
type AuthHandler struct {
	jwtSecret    string
	jwtExpiresIn time.Duration
	logger       *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(log *slog.Logger, jwtSecret string, jwtExpiresIn time.Duration) *AuthHandler {
	return &AuthHandler{
		jwtSecret:    jwtSecret,
		jwtExpiresIn: jwtExpiresIn,
		logger:       log.With(slog.String("handler", "auth")),
	}
}

// Register registers the auth routes.
func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/refresh", h.Refresh)
}

// Refresh issues a fresh token with the same lifespan as the caller's
// current one.
func (h *AuthHandler) Refresh(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.jwtSecret, h.jwtExpiresIn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}
