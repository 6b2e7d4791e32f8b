package notification

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/pkg/pagination"
)

// Handler exposes the notification log.
type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleList)

	staff := g.Group("/notifications", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleRegistrar))
	staff.GET("/stats", h.HandleStats)
	staff.GET("/:id", h.HandleGet)
	staff.POST("/:id/retry", h.HandleRetry)
}

// HandleList returns the caller's notifications. Staff may pass ?recipient=.
func (h *Handler) HandleList(c echo.Context) error {
	ctx := c.Request().Context()
	recipient := c.QueryParam("recipient")
	if recipient == "" || auth.IsPatientOnly(ctx) {
		recipient = auth.UserIDFromContext(ctx)
	}
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient is required")
	}
	p := pagination.FromContext(c)
	return c.JSON(http.StatusOK, h.mgr.ListByRecipient(recipient, p.Limit))
}

func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleRetry(c echo.Context) error {
	n, err := h.mgr.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotRetryable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		// Delivery failed again; the notification carries the error.
		return c.JSON(http.StatusBadGateway, n)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.mgr.Stats())
}
