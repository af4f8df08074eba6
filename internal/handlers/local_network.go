package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hostwise/hostwise/internal/protocol/local"
)

// LocalNetworkHandler exposes the in-process network's device side over
// HTTP: confirming pairing codes, injecting guest messages, and
// inspecting accepted deliveries. Registered only when the local
// network backend is configured.
type LocalNetworkHandler struct {
	network *local.Network
	logger  *slog.Logger
}

// NewLocalNetworkHandler creates a LocalNetworkHandler.
func NewLocalNetworkHandler(log *slog.Logger, network *local.Network) *LocalNetworkHandler {
	return &LocalNetworkHandler{
		network: network,
		logger:  log.With(slog.String("handler", "local_network")),
	}
}

// Register registers the local network routes.
func (h *LocalNetworkHandler) Register(e *echo.Echo) {
	e.POST("/local/pairings/:code/confirm", h.ConfirmPairing)
	e.POST("/local/inbound", h.InjectInbound)
	e.GET("/local/deliveries", h.Deliveries)
}

// ConfirmPairing plays the phone confirming a pairing code.
func (h *LocalNetworkHandler) ConfirmPairing(c echo.Context) error {
	code := strings.TrimSpace(c.Param("code"))
	var req struct {
		Identity string `json:"identity" validate:"required"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.network.Confirm(code, req.Identity); err != nil {
		if errors.Is(err, local.ErrUnknownCode) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// InjectInbound plays a guest sending a message to the identity.
func (h *LocalNetworkHandler) InjectInbound(c echo.Context) error {
	var req struct {
		Identity string `json:"identity" validate:"required"`
		Sender   string `json:"sender" validate:"required"`
		Text     string `json:"text" validate:"required"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.network.Inject(req.Identity, req.Sender, req.Text); err != nil {
		if errors.Is(err, local.ErrNotConnected) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// Deliveries lists every outbound message the network accepted.
func (h *LocalNetworkHandler) Deliveries(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"deliveries": h.network.Deliveries(),
	})
}
