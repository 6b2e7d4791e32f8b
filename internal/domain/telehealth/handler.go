package telehealth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Everyone, patients limited to their own visits and consents
	all := api.Group("", auth.RequireRole(auth.RolePatient, auth.RolePhysician, auth.RoleNurse, auth.RoleRegistrar))
	all.POST("/visits/schedule", h.ScheduleVisit)
	all.GET("/visits", h.ListVisits)
	all.GET("/visits/:id", h.GetVisit)
	all.POST("/visits/:id/cancel", h.CancelVisit)
	all.POST("/visits/:id/check-in", h.CheckIn)
	all.POST("/consents", h.RecordConsent)
	all.POST("/consents/:id/revoke", h.RevokeConsent)
	all.GET("/consents/verify", h.VerifyConsent)
	all.GET("/providers/:id/telehealth", h.GetAvailability)
	all.GET("/providers/:id/telehealth/slots", h.GetSlots)

	// Clinical endpoints
	clinical := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	clinical.POST("/visits/:id/start", h.StartVisit)
	clinical.POST("/visits/:id/complete", h.CompleteVisit)
	clinical.POST("/visits/:id/technical-issue", h.ReportTechnicalIssue)
	clinical.POST("/visits/:id/no-show", h.MarkNoShow)

	// Provider configuration
	config := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleRegistrar))
	config.PUT("/providers/:id/telehealth", h.UpdateAvailability)
	config.POST("/providers/:id/telehealth/enable", h.EnableTelehealth)
}

// ownVisit loads the visit and hides other patients' visits from patient
// callers.
func (h *Handler) ownVisit(c echo.Context) (*VirtualVisit, error) {
	ctx := c.Request().Context()
	v, err := h.svc.GetVisit(ctx, c.Param("id"))
	if err != nil {
		return nil, apperr.HTTPError(err)
	}
	if auth.IsPatientOnly(ctx) && v.PatientID != auth.UserIDFromContext(ctx) {
		return nil, apperr.HTTPError(ErrVisitNotFound)
	}
	return v, nil
}

func (h *Handler) ScheduleVisit(c echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if auth.IsPatientOnly(ctx) {
		req.PatientID = auth.UserIDFromContext(ctx)
	}
	v, err := h.svc.ScheduleVisit(ctx, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) ListVisits(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	f := VisitFilter{
		PatientID:  c.QueryParam("patient_id"),
		ProviderID: c.QueryParam("provider_id"),
		Status:     VisitStatus(c.QueryParam("status")),
	}
	if auth.IsPatientOnly(ctx) {
		f.PatientID = auth.UserIDFromContext(ctx)
	}
	if d := c.QueryParam("date"); d != "" {
		day, err := time.Parse("2006-01-02", d)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		next := day.AddDate(0, 0, 1)
		f.From, f.To = &day, &next
	}
	items, total, err := h.svc.ListVisits(ctx, f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*VirtualVisit{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetVisit(c echo.Context) error {
	v, err := h.ownVisit(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelVisit(c echo.Context) error {
	if _, err := h.ownVisit(c); err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	v, err := h.svc.CancelVisit(ctx, c.Param("id"), auth.UserIDFromContext(ctx), req.Reason)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CheckIn(c echo.Context) error {
	if _, err := h.ownVisit(c); err != nil {
		return err
	}
	ctx := c.Request().Context()
	patientID := ""
	if auth.IsPatientOnly(ctx) {
		patientID = auth.UserIDFromContext(ctx)
	}
	v, err := h.svc.CheckIn(ctx, c.Param("id"), patientID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// actingProvider is the acting provider for physicians and empty for other staff.
func actingProvider(c echo.Context) string {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, auth.RolePhysician) && !auth.HasRole(ctx, auth.RoleAdmin) {
		return auth.UserIDFromContext(ctx)
	}
	return ""
}

func (h *Handler) StartVisit(c echo.Context) error {
	v, err := h.svc.StartVisit(c.Request().Context(), c.Param("id"), actingProvider(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CompleteVisit(c echo.Context) error {
	var doc Documentation
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.CompleteVisit(c.Request().Context(), c.Param("id"), actingProvider(c), doc)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

type technicalIssueRequest struct {
	Detail string `json:"detail"`
}

func (h *Handler) ReportTechnicalIssue(c echo.Context) error {
	var req technicalIssueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.ReportTechnicalIssue(c.Request().Context(), c.Param("id"), req.Detail)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	v, err := h.svc.MarkNoShow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) RecordConsent(c echo.Context) error {
	var req ConsentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if auth.IsPatientOnly(ctx) {
		req.PatientID = auth.UserIDFromContext(ctx)
	}
	if req.IPAddress == "" {
		req.IPAddress = c.RealIP()
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request().UserAgent()
	}
	consent, err := h.svc.RecordConsent(ctx, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, consent)
}

func (h *Handler) RevokeConsent(c echo.Context) error {
	ctx := c.Request().Context()
	existing, err := h.svc.GetConsent(ctx, c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	if auth.IsPatientOnly(ctx) && existing.PatientID != auth.UserIDFromContext(ctx) {
		return apperr.HTTPError(ErrConsentNotFound)
	}
	consent, err := h.svc.RevokeConsent(ctx, existing.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, consent)
}

func (h *Handler) VerifyConsent(c echo.Context) error {
	ctx := c.Request().Context()
	patientID := c.QueryParam("patient_id")
	if auth.IsPatientOnly(ctx) {
		patientID = auth.UserIDFromContext(ctx)
	}
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	valid, err := h.svc.VerifyConsent(ctx, patientID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"patient_id": patientID, "valid": valid})
}

func (h *Handler) GetAvailability(c echo.Context) error {
	a, err := h.svc.GetAvailability(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetSlots(c echo.Context) error {
	date := c.QueryParam("date")
	if date == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "date is required")
	}
	slots, err := h.svc.GetAvailableSlots(c.Request().Context(), c.Param("id"), date)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, slots)
}

func (h *Handler) bindAvailability(c echo.Context) (*ProviderTelehealthAvailability, error) {
	var a ProviderTelehealthAvailability
	if err := c.Bind(&a); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a.ProviderID = c.Param("id")
	return &a, nil
}

func (h *Handler) UpdateAvailability(c echo.Context) error {
	a, err := h.bindAvailability(c)
	if err != nil {
		return err
	}
	saved, err := h.svc.UpdateAvailability(c.Request().Context(), a)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (h *Handler) EnableTelehealth(c echo.Context) error {
	a, err := h.bindAvailability(c)
	if err != nil {
		return err
	}
	saved, err := h.svc.EnableTelehealth(c.Request().Context(), a)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, saved)
}
