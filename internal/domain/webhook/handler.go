package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caresignal/caresignal/pkg/pagination"
)

// Pinger sends a synthetic test event to a configured endpoint. The
// dispatcher implements it; it owns the HTTP client and signing.
type Pinger interface {
	Ping(ctx context.Context, cfg *WebhookConfiguration) (*PingResult, error)
}

// Handler exposes webhook configuration management and the operator view of
// the notification queue and delivery log.
type Handler struct {
	svc    *Service
	pinger Pinger
}

func NewHandler(svc *Service, pinger Pinger) *Handler {
	return &Handler{svc: svc, pinger: pinger}
}

// RegisterRoutes registers webhook endpoints on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/webhooks", h.CreateConfig)
	api.GET("/webhooks", h.ListConfigs)
	api.GET("/webhooks/:id", h.GetConfig)
	api.PUT("/webhooks/:id", h.UpdateConfig)
	api.DELETE("/webhooks/:id", h.DeleteConfig)
	api.POST("/webhooks/:id/test", h.TestConfig)
	api.GET("/webhooks/:id/deliveries", h.ListDeliveries)
	api.GET("/notifications", h.ListNotifications)
	api.POST("/notifications/:id/retry", h.RetryNotification)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotRetryable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) CreateConfig(c echo.Context) error {
	var in ConfigInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cfg, err := h.svc.CreateConfig(c.Request().Context(), &in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cfg)
}

func (h *Handler) ListConfigs(c echo.Context) error {
	params := map[string]string{}
	if v := c.QueryParam("status"); v != "" {
		params["status"] = v
	}
	page := pagination.FromContext(c)

	configs, total, err := h.svc.ListConfigs(c.Request().Context(), params, page.Limit, page.Offset)
	if err != nil {
		return httpError(err)
	}
	if configs == nil {
		configs = []*WebhookConfiguration{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(configs, total, page.Limit, page.Offset))
}

func (h *Handler) GetConfig(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook id")
	}
	cfg, err := h.svc.GetConfig(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) UpdateConfig(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook id")
	}
	var in ConfigInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cfg, err := h.svc.UpdateConfig(c.Request().Context(), id, &in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// DeleteConfig retires the configuration; history stays queryable.
func (h *Handler) DeleteConfig(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook id")
	}
	if err := h.svc.DeleteConfig(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// TestConfig sends a signed webhook.ping to the endpoint and reports the
// outcome without recording a delivery row.
func (h *Handler) TestConfig(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook id")
	}
	cfg, err := h.svc.GetConfig(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	result, err := h.pinger.Ping(c.Request().Context(), cfg)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook id")
	}
	page := pagination.FromContext(c)

	deliveries, total, err := h.svc.ListDeliveries(c.Request().Context(), id, page.Limit, page.Offset)
	if err != nil {
		return httpError(err)
	}
	if deliveries == nil {
		deliveries = []*WebhookDelivery{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(deliveries, total, page.Limit, page.Offset))
}

func (h *Handler) ListNotifications(c echo.Context) error {
	params := map[string]string{}
	for _, key := range []string{"status", "webhook_id", "alert_id"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}
	page := pagination.FromContext(c)

	notifications, total, err := h.svc.ListNotifications(c.Request().Context(), params, page.Limit, page.Offset)
	if err != nil {
		return httpError(err)
	}
	if notifications == nil {
		notifications = []*WebhookNotification{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(notifications, total, page.Limit, page.Offset))
}

// RetryNotification reopens a permanently failed notification for one more
// attempt on the next dispatcher poll.
func (h *Handler) RetryNotification(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification id")
	}
	n, err := h.svc.RetryNotification(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}
