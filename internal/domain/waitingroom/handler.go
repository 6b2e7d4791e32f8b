package waitingroom

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Patient-facing endpoints; patients are limited to their own entries.
	patient := api.Group("/waiting-room", auth.RequireRole(auth.RolePatient, auth.RolePhysician, auth.RoleNurse, auth.RoleRegistrar))
	patient.POST("/enter", h.Enter)
	patient.GET("/:visitId", h.GetEntry)
	patient.GET("/:visitId/ready", h.IsReady)
	patient.POST("/:visitId/leave", h.Leave)
	patient.POST("/:visitId/system-check", h.SystemCheck)
	patient.PUT("/:visitId/readiness", h.UpdateReadiness)

	// Clinical staff endpoints
	staff := api.Group("/waiting-room", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	staff.GET("/provider/:id/queue", h.GetQueue)
	staff.POST("/provider/:id/call-next", h.CallNext)
	staff.POST("/:visitId/admit", h.Admit)
	staff.POST("/process-timeouts", h.ProcessTimeouts)
}

type enterRequest struct {
	VisitID    string `json:"visit_id"`
	PatientID  string `json:"patient_id"`
	ProviderID string `json:"provider_id"`
}

func (h *Handler) Enter(c echo.Context) error {
	var req enterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if auth.IsPatientOnly(ctx) {
		req.PatientID = auth.UserIDFromContext(ctx)
	}
	e, err := h.svc.EnterWaitingRoom(ctx, req.VisitID, req.PatientID, req.ProviderID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// ownEntry loads the entry and hides other patients' entries from patient
// callers.
func (h *Handler) ownEntry(c echo.Context) (*WaitingRoomEntry, error) {
	ctx := c.Request().Context()
	e, err := h.svc.GetEntry(ctx, c.Param("visitId"))
	if err != nil {
		return nil, apperr.HTTPError(err)
	}
	if auth.IsPatientOnly(ctx) && e.PatientID != auth.UserIDFromContext(ctx) {
		return nil, apperr.HTTPError(ErrEntryNotFound)
	}
	return e, nil
}

func (h *Handler) GetEntry(c echo.Context) error {
	e, err := h.ownEntry(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) IsReady(c echo.Context) error {
	if _, err := h.ownEntry(c); err != nil {
		return err
	}
	ready, missing, err := h.svc.IsReadyForVisit(c.Request().Context(), c.Param("visitId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	if missing == nil {
		missing = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ready": ready, "missing": missing})
}

func (h *Handler) Leave(c echo.Context) error {
	if _, err := h.ownEntry(c); err != nil {
		return err
	}
	e, err := h.svc.LeaveWaitingRoom(c.Request().Context(), c.Param("visitId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) SystemCheck(c echo.Context) error {
	if _, err := h.ownEntry(c); err != nil {
		return err
	}
	var results SystemCheckResults
	if err := c.Bind(&results); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	warnings, err := h.svc.CompleteSystemCheck(c.Request().Context(), c.Param("visitId"), results)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"warnings": warnings, "passed": len(warnings) == 0})
}

func (h *Handler) UpdateReadiness(c echo.Context) error {
	if _, err := h.ownEntry(c); err != nil {
		return err
	}
	var upd ReadinessUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.UpdateReadiness(c.Request().Context(), c.Param("visitId"), upd)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) GetQueue(c echo.Context) error {
	status, err := h.svc.GetQueueStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) CallNext(c echo.Context) error {
	e, err := h.svc.CallNextPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Admit(c echo.Context) error {
	e, err := h.svc.AdmitPatient(c.Request().Context(), c.Param("visitId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ProcessTimeouts(c echo.Context) error {
	n, err := h.svc.ProcessTimeouts(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"processed": n})
}
