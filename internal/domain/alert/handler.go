package alert

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caresignal/caresignal/internal/platform/middleware"
	"github.com/caresignal/caresignal/pkg/pagination"
)

// Handler exposes alert lifecycle operations over REST.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers alert endpoints on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/alerts", h.Create)
	api.GET("/alerts", h.List)
	api.GET("/alerts/:id", h.Get)
	api.GET("/alerts/:id/steps", h.ListSteps)
	api.POST("/alerts/:id/steps", h.AddStep)
	api.POST("/alerts/:id/signals", h.Signal)
	api.POST("/alerts/:id/acknowledge", h.Acknowledge)
	api.POST("/alerts/:id/start", h.Start)
	api.POST("/alerts/:id/resolve", h.Resolve)
	api.POST("/alerts/:id/dismiss", h.Dismiss)
	api.POST("/alerts/:id/assign", h.Assign)
}

// actor returns the acting operator, falling back to the system actor for
// unattributed calls (machine-to-machine boundaries).
func actor(c echo.Context) string {
	if id := middleware.ActorFromContext(c.Request().Context()); id != "" {
		return id
	}
	return middleware.SystemActor
}

// httpError maps service sentinels onto transport status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) Create(c echo.Context) error {
	var a ClinicalAlert
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.Create(c.Request().Context(), &a, actor(c)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) List(c echo.Context) error {
	params := map[string]string{}
	for _, key := range []string{"status", "priority", "category", "alert_type", "subject_id", "assigned_to", "breached"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}
	page := pagination.FromContext(c)

	alerts, total, err := h.svc.Search(c.Request().Context(), params, page.Limit, page.Offset)
	if err != nil {
		return httpError(err)
	}
	if alerts == nil {
		alerts = []*ClinicalAlert{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(alerts, total, page.Limit, page.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListSteps(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	steps, err := h.svc.Steps(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if steps == nil {
		steps = []*WorkflowStep{}
	}
	return c.JSON(http.StatusOK, steps)
}

// AddStep records a generic workflow step; the action comes from the body.
func (h *Handler) AddStep(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	var in TransitionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.Actor = actor(c)
	a, err := h.svc.Transition(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// Signal accepts a follow-up observation from the risk engine.
func (h *Handler) Signal(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	var in SignalInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.ApplySignal(c.Request().Context(), id, in); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	var in TransitionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.Actor = actor(c)
	a, err := h.svc.Acknowledge(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Start(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	var in TransitionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.Actor = actor(c)
	a, err := h.svc.Start(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Resolve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	var in TransitionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.Actor = actor(c)
	a, err := h.svc.Resolve(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Dismiss(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	var in TransitionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.Actor = actor(c)
	a, err := h.svc.Dismiss(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type assignRequest struct {
	AssigneeID uuid.UUID `json:"assignee_id"`
	Version    int       `json:"version"`
}

func (h *Handler) Assign(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.Assign(c.Request().Context(), id, req.AssigneeID, req.Version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}
