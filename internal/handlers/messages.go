package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hostwise/hostwise/internal/breaker"
	"github.com/hostwise/hostwise/internal/dispatch"
	"github.com/hostwise/hostwise/internal/inbound"
	"github.com/hostwise/hostwise/internal/session"
)

// MessageService is the dispatcher surface the handler needs.
type MessageService interface {
	Enqueue(ctx context.Context, tenantID, recipient string, payload session.Payload) (dispatch.Message, error)
	Pending(tenantID string) []dispatch.Message
	BreakerState(tenantID string) breaker.State
}

// InboundStats reports inbound liveness counters.
type InboundStats interface {
	Stats(tenantID string) (inbound.TenantStats, bool)
}

// MessageHandler exposes the outbound pipeline and per-tenant traffic
// counters.
type MessageHandler struct {
	dispatcher MessageService
	dead       dispatch.DeadLetterStore
	inbound    InboundStats
	logger     *slog.Logger
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(log *slog.Logger, dispatcher MessageService, dead dispatch.DeadLetterStore, inboundStats InboundStats) *MessageHandler {
	return &MessageHandler{
		dispatcher: dispatcher,
		dead:       dead,
		inbound:    inboundStats,
		logger:     log.With(slog.String("handler", "messages")),
	}
}

// Register registers the message routes.
func (h *MessageHandler) Register(e *echo.Echo) {
	e.POST("/tenants/:tenant_id/messages", h.Enqueue)
	e.GET("/tenants/:tenant_id/messages/pending", h.Pending)
	e.GET("/tenants/:tenant_id/messages/dead-letters", h.DeadLetters)
	e.GET("/tenants/:tenant_id/stats", h.Stats)
}

// EnqueueRequest is the outbound message submission body.
type EnqueueRequest struct {
	Recipient string `json:"recipient" validate:"required"`
	Text      string `json:"text" validate:"required_without=MediaRef"`
	MediaRef  string `json:"media_ref"`
}

// Enqueue accepts an outbound message for asynchronous delivery.
func (h *MessageHandler) Enqueue(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}

	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	msg, err := h.dispatcher.Enqueue(c.Request().Context(), tenantID, req.Recipient, session.Payload{
		Text:     req.Text,
		MediaRef: req.MediaRef,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, msg)
}

// Pending returns the tenant's queued messages in delivery order.
func (h *MessageHandler) Pending(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	items := h.dispatcher.Pending(tenantID)
	if items == nil {
		items = []dispatch.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": items})
}

// DeadLetters returns messages that exhausted their delivery budget.
func (h *MessageHandler) DeadLetters(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = parsed
	}
	items, err := h.dead.List(c.Request().Context(), tenantID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []dispatch.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": items})
}

// Stats returns the tenant's traffic counters and breaker position.
func (h *MessageHandler) Stats(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	stats, _ := h.inbound.Stats(tenantID)
	stats.TenantID = tenantID
	return c.JSON(http.StatusOK, map[string]any{
		"tenant_id":     tenantID,
		"send_breaker":  h.dispatcher.BreakerState(tenantID),
		"pending_count": len(h.dispatcher.Pending(tenantID)),
		"inbound":       stats,
	})
}
