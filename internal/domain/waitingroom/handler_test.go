package waitingroom

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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

func TestHandler_PatientEntersAsThemselves(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	rec := do(e, http.MethodPost, "/api/v1/waiting-room/enter",
		`{"visit_id":"v1","patient_id":"someone-else","provider_id":"dr-1"}`, "alice", auth.RolePatient)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry WaitingRoomEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.PatientID != "alice" || entry.Position != 1 {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestHandler_PatientCannotSeeOthersEntry(t *testing.T) {
	f := newFixture()
	f.enter(t, "v1", "alice")
	e := newTestServer(f)

	if rec := do(e, http.MethodGet, "/api/v1/waiting-room/v1", "", "mallory", auth.RolePatient); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another patient's entry, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/waiting-room/v1", "", "alice", auth.RolePatient); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for own entry, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/waiting-room/v1", "", "nurse-1", auth.RoleNurse); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for staff, got %d", rec.Code)
	}
}

func TestHandler_CallNextRequiresStaff(t *testing.T) {
	f := newFixture()
	f.enter(t, "v1", "alice")
	e := newTestServer(f)

	if rec := do(e, http.MethodPost, "/api/v1/waiting-room/provider/dr-1/call-next", "", "alice", auth.RolePatient); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for patient, got %d", rec.Code)
	}
	rec := do(e, http.MethodPost, "/api/v1/waiting-room/provider/dr-1/call-next", "", "dr-1", auth.RolePhysician)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodPost, "/api/v1/waiting-room/provider/dr-1/call-next", "", "dr-1", auth.RolePhysician)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on empty queue, got %d", rec.Code)
	}
}

func TestHandler_AdmitBeforeCallConflicts(t *testing.T) {
	f := newFixture()
	f.enter(t, "v1", "alice")
	e := newTestServer(f)

	rec := do(e, http.MethodPost, "/api/v1/waiting-room/v1/admit", "", "dr-1", auth.RolePhysician)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandler_SystemCheckAndReady(t *testing.T) {
	f := newFixture()
	f.enter(t, "v1", "alice")
	e := newTestServer(f)

	rec := do(e, http.MethodPost, "/api/v1/waiting-room/v1/system-check",
		`{"camera_available":true,"camera_permission":true,"microphone_available":true,"microphone_permission":true,
		  "connection_speed_mbps":0.5,"browser_name":"chrome","browser_version":"120"}`, "alice", auth.RolePatient)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var check struct {
		Warnings []string `json:"warnings"`
		Passed   bool     `json:"passed"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &check)
	if check.Passed || len(check.Warnings) != 1 {
		t.Errorf("expected a single connection warning, got %+v", check)
	}

	rec = do(e, http.MethodGet, "/api/v1/waiting-room/v1/ready", "", "alice", auth.RolePatient)
	var ready struct {
		Ready   bool     `json:"ready"`
		Missing []string `json:"missing"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &ready)
	if ready.Ready || len(ready.Missing) == 0 {
		t.Errorf("expected not ready, got %+v", ready)
	}
}

func TestHandler_LeaveTwiceConflicts(t *testing.T) {
	f := newFixture()
	f.enter(t, "v1", "alice")
	e := newTestServer(f)

	if rec := do(e, http.MethodPost, "/api/v1/waiting-room/v1/leave", "", "alice", auth.RolePatient); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/waiting-room/v1/leave", "", "alice", auth.RolePatient); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on second leave, got %d", rec.Code)
	}
}

func TestHandler_QueueStatus(t *testing.T) {
	f := newFixture()
	f.enter(t, "v1", "alice")
	f.enter(t, "v2", "bob")
	e := newTestServer(f)

	rec := do(e, http.MethodGet, "/api/v1/waiting-room/provider/dr-1/queue", "", "nurse-1", auth.RoleNurse)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status QueueStatus
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Waiting != 2 || len(status.Entries) != 2 || status.Entries[1].VisitID != "v2" {
		t.Errorf("unexpected status %+v", status)
	}
}
