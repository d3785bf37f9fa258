package escalation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caresignal/caresignal/internal/domain/alert"
	"github.com/caresignal/caresignal/internal/platform/middleware"
	"github.com/caresignal/caresignal/pkg/pagination"
)

// Handler exposes rule and care team management plus the manual escalation
// path. Automatic escalation has no HTTP surface; it rides the event stream.
type Handler struct {
	svc    *Service
	engine *Engine
}

func NewHandler(svc *Service, engine *Engine) *Handler {
	return &Handler{svc: svc, engine: engine}
}

// RegisterRoutes registers escalation endpoints on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/escalation-rules", h.CreateRule)
	api.GET("/escalation-rules", h.ListRules)
	api.GET("/escalation-rules/:id", h.GetRule)
	api.PUT("/escalation-rules/:id", h.UpdateRule)
	api.DELETE("/escalation-rules/:id", h.DeleteRule)
	api.GET("/alerts/:id/escalations", h.ListForAlert)
	api.POST("/alerts/:id/escalate", h.EscalateManual)
	api.POST("/care-team", h.CreateMember)
	api.GET("/care-team", h.ListMembers)
	api.GET("/care-team/:id", h.GetMember)
	api.PUT("/care-team/:id", h.UpdateMember)
}

func actor(c echo.Context) string {
	if id := middleware.ActorFromContext(c.Request().Context()); id != "" {
		return id
	}
	return middleware.SystemActor
}

// httpError maps service sentinels onto transport status codes. The manual
// escalation path bubbles alert sentinels through the engine, so those are
// mapped here too.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, alert.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, alert.ErrInvalidTransition), errors.Is(err, alert.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, alert.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) CreateRule(c echo.Context) error {
	var r EscalationRule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.CreateRule(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) ListRules(c echo.Context) error {
	params := map[string]string{}
	for _, key := range []string{"trigger_type", "escalation_level", "active"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}
	page := pagination.FromContext(c)

	rules, total, err := h.svc.ListRules(c.Request().Context(), params, page.Limit, page.Offset)
	if err != nil {
		return httpError(err)
	}
	if rules == nil {
		rules = []*EscalationRule{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rules, total, page.Limit, page.Offset))
}

func (h *Handler) GetRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid rule id")
	}
	r, err := h.svc.GetRule(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid rule id")
	}
	var r EscalationRule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := h.svc.UpdateRule(c.Request().Context(), id, &r)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// DeleteRule deactivates the rule. Ledger rows keep their rule reference, so
// deletion is a soft retire.
func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid rule id")
	}
	if err := h.svc.DeactivateRule(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListForAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	escalations, err := h.engine.ListForAlert(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if escalations == nil {
		escalations = []*Escalation{}
	}
	return c.JSON(http.StatusOK, escalations)
}

func (h *Handler) EscalateManual(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	var in ManualEscalationInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.Actor = actor(c)
	esc, err := h.engine.EscalateManual(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, esc)
}

func (h *Handler) CreateMember(c echo.Context) error {
	var m CareTeamMember
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.CreateMember(c.Request().Context(), &m); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListMembers(c echo.Context) error {
	params := map[string]string{}
	for _, key := range []string{"role", "active"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}
	page := pagination.FromContext(c)

	members, total, err := h.svc.ListMembers(c.Request().Context(), params, page.Limit, page.Offset)
	if err != nil {
		return httpError(err)
	}
	if members == nil {
		members = []*CareTeamMember{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(members, total, page.Limit, page.Offset))
}

func (h *Handler) GetMember(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid member id")
	}
	m, err := h.svc.GetMember(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) UpdateMember(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid member id")
	}
	var m CareTeamMember
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := h.svc.UpdateMember(c.Request().Context(), id, &m)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}
