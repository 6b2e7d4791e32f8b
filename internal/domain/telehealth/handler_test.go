package telehealth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/auth"
)

func newTestServer(f *fixture) *echo.Echo {
	e := echo.New()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func do(e *echo.Echo, method, path, body, userID string, roles ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), userID, roles))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func scheduleBody(patientID string, at time.Time) string {
	return fmt.Sprintf(`{"patient_id":%q,"provider_id":"dr-1","visit_type":"initial_consultation","scheduled_at":%q}`,
		patientID, at.Format(time.RFC3339))
}

func TestHandler_PatientSchedulesForThemselves(t *testing.T) {
	f := newFixture(t, Config{})
	e := newTestServer(f)

	rec := do(e, http.MethodPost, "/api/v1/visits/schedule", scheduleBody("bob", f.clock.Now().Add(2*time.Hour)), "alice", auth.RolePatient)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var v VirtualVisit
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.PatientID != "alice" || v.Price.StringFixed(2) != "150.00" {
		t.Errorf("unexpected visit %+v", v)
	}
}

func TestHandler_ScheduleErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, Config{})
	e := newTestServer(f)
	now := f.clock.Now()

	if rec := do(e, http.MethodPost, "/api/v1/visits/schedule", scheduleBody("alice", now.Add(10*time.Minute)), "alice", auth.RolePatient); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for lead time, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/visits/schedule", scheduleBody("dave", now.Add(2*time.Hour)), "dave", auth.RolePatient); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 without consent, got %d", rec.Code)
	}
	at := now.Add(3 * time.Hour)
	_ = do(e, http.MethodPost, "/api/v1/visits/schedule", scheduleBody("alice", at), "alice", auth.RolePatient)
	if rec := do(e, http.MethodPost, "/api/v1/visits/schedule", scheduleBody("alice", at), "alice", auth.RolePatient); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for slot conflict, got %d", rec.Code)
	}
}

func TestHandler_PatientCannotSeeOthersVisit(t *testing.T) {
	f := newFixture(t, Config{})
	v := f.mustSchedule(t, f.clock.Now().Add(2*time.Hour))
	e := newTestServer(f)

	if rec := do(e, http.MethodGet, "/api/v1/visits/"+v.ID, "", "mallory", auth.RolePatient); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another patient's visit, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/visits/"+v.ID+"/cancel", `{"reason":"x"}`, "mallory", auth.RolePatient); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when cancelling another patient's visit, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/visits/"+v.ID, "", "alice", auth.RolePatient); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for own visit, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/visits/"+v.ID, "", "nurse-1", auth.RoleNurse); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for staff, got %d", rec.Code)
	}
}

func TestHandler_VisitFlow(t *testing.T) {
	f := newFixture(t, Config{})
	v := f.mustSchedule(t, f.clock.Now().Add(time.Hour))
	e := newTestServer(f)

	if rec := do(e, http.MethodPost, "/api/v1/visits/"+v.ID+"/check-in", "", "alice", auth.RolePatient); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 before check-in opens, got %d", rec.Code)
	}
	f.clock.WarpForward(50 * time.Minute)
	if rec := do(e, http.MethodPost, "/api/v1/visits/"+v.ID+"/check-in", "", "alice", auth.RolePatient); rec.Code != http.StatusOK {
		t.Fatalf("check-in: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(e, http.MethodPost, "/api/v1/visits/"+v.ID+"/start", "", "alice", auth.RolePatient); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for patient starting a visit, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/visits/"+v.ID+"/start", "", "dr-2", auth.RolePhysician); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a different physician, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/visits/"+v.ID+"/start", "", "dr-1", auth.RolePhysician); rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	f.clock.WarpForward(15 * time.Minute)
	rec := do(e, http.MethodPost, "/api/v1/visits/"+v.ID+"/complete", `{"chief_complaint":"cough","plan":"rest"}`, "dr-1", auth.RolePhysician)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
	var done VirtualVisit
	_ = json.Unmarshal(rec.Body.Bytes(), &done)
	if done.Status != StatusCompleted || done.Documentation == nil || done.Documentation.Plan != "rest" {
		t.Errorf("unexpected completed visit %+v", done)
	}
}

func TestHandler_ListVisitsScopedToPatient(t *testing.T) {
	f := newFixture(t, Config{})
	_, _ = f.svc.RecordConsent(context.Background(), ConsentRequest{PatientID: "bob", ConsentVersion: "v1"})
	f.mustSchedule(t, f.clock.Now().Add(2*time.Hour))
	e := newTestServer(f)
	_ = do(e, http.MethodPost, "/api/v1/visits/schedule", scheduleBody("bob", f.clock.Now().Add(4*time.Hour)), "bob", auth.RolePatient)

	rec := do(e, http.MethodGet, "/api/v1/visits", "", "bob", auth.RolePatient)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data  []VirtualVisit `json:"data"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || len(page.Data) != 1 || page.Data[0].PatientID != "bob" {
		t.Errorf("expected only bob's visit, got %+v", page)
	}

	rec = do(e, http.MethodGet, "/api/v1/visits?date=2026-06-01", "", "nurse-1", auth.RoleNurse)
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 2 {
		t.Errorf("expected both visits for staff on that day, got %d", page.Total)
	}
	if rec := do(e, http.MethodGet, "/api/v1/visits?date=yesterday", "", "nurse-1", auth.RoleNurse); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad date, got %d", rec.Code)
	}
}

func TestHandler_Consent(t *testing.T) {
	f := newFixture(t, Config{})
	e := newTestServer(f)

	rec := do(e, http.MethodPost, "/api/v1/consents", `{"consent_version":"v4"}`, "erin", auth.RolePatient)
	if rec.Code != http.StatusCreated {
		t.Fatalf("record: %d %s", rec.Code, rec.Body.String())
	}
	var c TelehealthConsent
	_ = json.Unmarshal(rec.Body.Bytes(), &c)
	if c.PatientID != "erin" || c.IPAddress == "" {
		t.Errorf("unexpected consent %+v", c)
	}

	rec = do(e, http.MethodGet, "/api/v1/consents/verify", "", "erin", auth.RolePatient)
	if !strings.Contains(rec.Body.String(), `"valid":true`) {
		t.Errorf("expected valid consent, got %s", rec.Body.String())
	}
	if rec := do(e, http.MethodPost, "/api/v1/consents/"+c.ID+"/revoke", "", "mallory", auth.RolePatient); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 revoking someone else's consent, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/consents/"+c.ID+"/revoke", "", "erin", auth.RolePatient); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/v1/consents/verify?patient_id=erin", "", "nurse-1", auth.RoleNurse)
	if !strings.Contains(rec.Body.String(), `"valid":false`) {
		t.Errorf("expected revoked consent to be invalid, got %s", rec.Body.String())
	}
	if rec := do(e, http.MethodGet, "/api/v1/consents/verify", "", "nurse-1", auth.RoleNurse); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without patient_id, got %d", rec.Code)
	}
}

func TestHandler_ProviderConfiguration(t *testing.T) {
	f := newFixture(t, Config{})
	e := newTestServer(f)
	body := `{"default_duration_minutes":20,"weekly_hours":{"tuesday":[{"start":"09:00","end":"10:00"}]}}`

	if rec := do(e, http.MethodPost, "/api/v1/providers/dr-9/telehealth/enable", body, "alice", auth.RolePatient); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for patient, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/providers/dr-9/telehealth/enable", body, "reg-1", auth.RoleRegistrar); rec.Code != http.StatusOK {
		t.Fatalf("enable: %d %s", rec.Code, rec.Body.String())
	}
	rec := do(e, http.MethodGet, "/api/v1/providers/dr-9/telehealth/slots?date=2026-06-02", "", "alice", auth.RolePatient)
	if rec.Code != http.StatusOK {
		t.Fatalf("slots: %d %s", rec.Code, rec.Body.String())
	}
	var slots []Slot
	_ = json.Unmarshal(rec.Body.Bytes(), &slots)
	if len(slots) != 3 {
		t.Errorf("expected three 20-minute slots, got %d", len(slots))
	}
	if rec := do(e, http.MethodPut, "/api/v1/providers/dr-9/telehealth", `{"weekly_hours":{"funday":[]}}`, "reg-1", auth.RoleRegistrar); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown weekday, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/providers/dr-none/telehealth", "", "alice", auth.RolePatient); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unconfigured provider, got %d", rec.Code)
	}
}
