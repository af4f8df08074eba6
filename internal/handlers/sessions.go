package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hostwise/hostwise/internal/session"
)

// SessionService is the registry surface the handler needs.
type SessionService interface {
	Start(ctx context.Context, tenantID string) (session.Status, error)
	Stop(ctx context.Context, tenantID string, logout bool) error
	Status(tenantID string) (session.Status, bool)
	Statuses() []session.Status
}

// SessionHandler exposes tenant session lifecycle endpoints.
type SessionHandler struct {
	sessions SessionService
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(log *slog.Logger, sessions SessionService) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   log.With(slog.String("handler", "sessions")),
	}
}

// Register registers the session routes.
func (h *SessionHandler) Register(e *echo.Echo) {
	e.GET("/sessions", h.List)
	e.POST("/tenants/:tenant_id/session", h.Start)
	e.DELETE("/tenants/:tenant_id/session", h.Stop)
	e.GET("/tenants/:tenant_id/session", h.Status)
	e.GET("/tenants/:tenant_id/session/pairing-code", h.PairingCode)
}

// List returns a status snapshot for every registered session.
func (h *SessionHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": h.sessions.Statuses(),
	})
}

// Start brings up the tenant's session. Starting an already running
// session returns its current status unchanged.
func (h *SessionHandler) Start(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	status, err := h.sessions.Start(c.Request().Context(), tenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

// Stop tears the session down. With ?logout=true the stored credential
// is deleted as well, forcing a fresh pairing on the next start.
func (h *SessionHandler) Stop(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	logout := c.QueryParam("logout") == "true"
	if err := h.sessions.Stop(c.Request().Context(), tenantID, logout); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// Status returns the tenant's session status.
func (h *SessionHandler) Status(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	status, ok := h.sessions.Status(tenantID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no session for tenant")
	}
	return c.JSON(http.StatusOK, status)
}

// PairingCode returns the active pairing code while the session waits
// for device confirmation.
func (h *SessionHandler) PairingCode(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	status, ok := h.sessions.Status(tenantID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no session for tenant")
	}
	if status.State != session.StatePairing || status.PairingCode == "" {
		return echo.NewHTTPError(http.StatusConflict, "session is not pairing")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"pairing_code": status.PairingCode,
		"expires_at":   status.PairingExpiresAt,
	})
}
