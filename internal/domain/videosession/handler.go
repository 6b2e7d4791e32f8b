package videosession

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
	// Participants act as themselves
	all := api.Group("/sessions", auth.RequireRole(auth.RolePatient, auth.RolePhysician, auth.RoleNurse))
	all.GET("/:id", h.GetSession)
	all.POST("/:id/token", h.GenerateToken)
	all.POST("/:id/join", h.Join)
	all.POST("/:id/leave", h.Leave)
	all.POST("/:id/screen-share/start", h.StartScreenShare)
	all.POST("/:id/screen-share/stop", h.StopScreenShare)
	all.POST("/:id/chat", h.SendChat)
	all.GET("/:id/chat", h.GetChat)
	all.POST("/:id/errors", h.ReportError)
	all.PUT("/:id/media", h.UpdateMedia)

	// Session control
	staff := api.Group("/sessions", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	staff.POST("/create", h.Create)
	staff.POST("/:id/end", h.End)
	staff.POST("/:id/recording/start", h.StartRecording)
	staff.POST("/:id/recording/stop", h.StopRecording)
	staff.GET("/:id/screen-shares", h.ListScreenShares)
}

func userID(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.CreateSession(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSession(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := h.svc.GetSession(ctx, c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	if auth.IsPatientOnly(ctx) && !sess.everJoined(userID(c)) {
		return apperr.HTTPError(ErrSessionNotFound)
	}
	return c.JSON(http.StatusOK, sess)
}

type tokenRequest struct {
	UserID string          `json:"user_id"`
	Role   ParticipantRole `json:"role"`
}

// GenerateToken issues a token for the caller. Staff may issue tokens for
// other users, which is how the patient's join link is produced.
func (h *Handler) GenerateToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if auth.IsPatientOnly(ctx) {
		req.UserID, req.Role = userID(c), RolePatient
	}
	if req.UserID == "" {
		req.UserID = userID(c)
	}
	if req.Role == "" {
		req.Role = RoleProvider
	}
	tok, err := h.svc.GenerateAccessToken(ctx, c.Param("id"), req.UserID, req.Role)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, tok)
}

type joinRequest struct {
	Token      string         `json:"token"`
	Connection ConnectionInfo `json:"connection"`
}

func (h *Handler) Join(c echo.Context) error {
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}
	if req.Connection.IPAddress == "" {
		req.Connection.IPAddress = c.RealIP()
	}
	if req.Connection.UserAgent == "" {
		req.Connection.UserAgent = c.Request().UserAgent()
	}
	sess, err := h.svc.JoinSession(c.Request().Context(), c.Param("id"), req.Token, userID(c), req.Connection)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Leave(c echo.Context) error {
	sess, err := h.svc.LeaveSession(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) End(c echo.Context) error {
	sess, err := h.svc.EndSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) StartScreenShare(c echo.Context) error {
	share, err := h.svc.StartScreenShare(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, share)
}

func (h *Handler) StopScreenShare(c echo.Context) error {
	share, err := h.svc.StopScreenShare(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, share)
}

func (h *Handler) ListScreenShares(c echo.Context) error {
	shares, err := h.svc.ListScreenShares(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	if shares == nil {
		shares = []*ScreenShareSession{}
	}
	return c.JSON(http.StatusOK, shares)
}

func (h *Handler) StartRecording(c echo.Context) error {
	sess, err := h.svc.StartRecording(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) StopRecording(c echo.Context) error {
	sess, err := h.svc.StopRecording(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

type chatRequest struct {
	Message     string `json:"message"`
	RecipientID string `json:"recipient_id"`
}

func (h *Handler) SendChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg, err := h.svc.SendChatMessage(c.Request().Context(), c.Param("id"), userID(c), req.Message, req.RecipientID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *Handler) GetChat(c echo.Context) error {
	msgs, err := h.svc.GetChatMessages(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

type errorReport struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (h *Handler) ReportError(c echo.Context) error {
	var req errorReport
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.ReportError(c.Request().Context(), c.Param("id"), req.Message, req.Severity)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) UpdateMedia(c echo.Context) error {
	var req MediaState
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdateMediaState(c.Request().Context(), c.Param("id"), userID(c), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}
