package intervention

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caresignal/caresignal/pkg/pagination"
)

// Handler exposes intervention template management and matching.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers template endpoints on the API group. The static
// match route coexists with the :id routes; echo resolves static segments
// first.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/intervention-templates", h.List)
	api.POST("/intervention-templates", h.Create)
	api.GET("/intervention-templates/match", h.Match)
	api.GET("/intervention-templates/:id", h.Get)
	api.PUT("/intervention-templates/:id", h.Update)
	api.DELETE("/intervention-templates/:id", h.Delete)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) Create(c echo.Context) error {
	var t InterventionTemplate
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.Create(c.Request().Context(), &t); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) List(c echo.Context) error {
	params := map[string]string{}
	for _, key := range []string{"risk_category", "risk_level", "active"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}
	page := pagination.FromContext(c)

	templates, total, err := h.svc.List(c.Request().Context(), params, page.Limit, page.Offset)
	if err != nil {
		return httpError(err)
	}
	if templates == nil {
		templates = []*InterventionTemplate{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(templates, total, page.Limit, page.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid template id")
	}
	t, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid template id")
	}
	var t InterventionTemplate
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := h.svc.Update(c.Request().Context(), id, &t)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid template id")
	}
	if err := h.svc.Deactivate(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Match answers "which playbook fits this alert" for clinician tooling.
func (h *Handler) Match(c echo.Context) error {
	category := c.QueryParam("category")
	level := c.QueryParam("level")

	t, err := h.svc.Match(c.Request().Context(), category, level)
	if err != nil {
		return httpError(err)
	}
	if t == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no matching template")
	}
	return c.JSON(http.StatusOK, t)
}
