package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/events"
)

func newTestEvent(t *testing.T, typ string, data map[string]interface{}) events.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return events.Event{Type: typ, Data: raw}
}

func TestConfig_Defaults(t *testing.T) {
	p := New(Config{})
	if p.cfg.ServiceName != "telehealth-server" {
		t.Errorf("expected default service name, got %q", p.cfg.ServiceName)
	}
	if p.cfg.Environment != "development" {
		t.Errorf("expected development, got %q", p.cfg.Environment)
	}
	if !p.cfg.metricsOn() {
		t.Error("metrics should default to enabled")
	}
}

func TestHistogram_Observe(t *testing.T) {
	h := newHistogram([]float64{1, 5, 10})
	for _, v := range []float64{0.5, 3, 3, 7, 20} {
		h.Observe(v)
	}
	if h.Count() != 5 {
		t.Errorf("expected count 5, got %d", h.Count())
	}
	if h.Sum() != 33.5 {
		t.Errorf("expected sum 33.5, got %v", h.Sum())
	}
	cum := h.cumulativeBuckets()
	want := []int64{1, 3, 4}
	for i := range want {
		if cum[i] != want[i] {
			t.Errorf("bucket %d: expected %d, got %d", i, want[i], cum[i])
		}
	}
}

func TestHistogram_ConcurrentObserve(t *testing.T) {
	h := newHistogram([]float64{1})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Observe(1)
		}()
	}
	wg.Wait()
	if h.Count() != 50 || h.Sum() != 50 {
		t.Errorf("expected 50/50, got %d/%v", h.Count(), h.Sum())
	}
}

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	p := New(Config{})
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/visits/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/visits/"+id, nil))
	}

	h := p.HTTPHistogram(http.MethodGet, "/visits/:id", "200")
	if h == nil {
		t.Fatal("expected histogram for route pattern")
	}
	if h.Count() != 2 {
		t.Errorf("expected 2 observations, got %d", h.Count())
	}
	if p.ActiveRequests() != 0 {
		t.Errorf("expected no active requests, got %d", p.ActiveRequests())
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	p := New(Config{})
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "nope")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if p.HTTPHistogram(http.MethodGet, "/boom", "409") == nil {
		t.Error("expected histogram labeled 409")
	}
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	p := New(Config{MetricsEnabled: BoolPtr(false)})
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if p.HTTPHistogram(http.MethodGet, "/x", "200") != nil {
		t.Error("expected nothing recorded when disabled")
	}
}

func TestPublish_CountsAndDurations(t *testing.T) {
	p := New(Config{})
	err := p.Publish(context.Background(),
		newTestEvent(t, events.WaitingAdmitted, map[string]interface{}{"actual_wait_minutes": 12}),
		newTestEvent(t, events.VisitCompleted, map[string]interface{}{"actual_duration_minutes": 20}),
		newTestEvent(t, events.SessionEnded, map[string]interface{}{"duration_seconds": 1200}),
		newTestEvent(t, events.VisitCompleted, map[string]interface{}{"actual_duration_minutes": 35}),
	)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := p.EventCount(events.VisitCompleted); got != 2 {
		t.Errorf("expected 2 visit.completed, got %d", got)
	}
	if got := p.Histogram(VisitMinutes).Sum(); got != 55 {
		t.Errorf("expected visit minutes sum 55, got %v", got)
	}
	if got := p.Histogram(WaitMinutes).Count(); got != 1 {
		t.Errorf("expected 1 wait observation, got %d", got)
	}
	if got := p.Histogram(SessionSeconds).Sum(); got != 1200 {
		t.Errorf("expected session seconds 1200, got %v", got)
	}
}

func TestPublish_MissingFieldIsCountedOnly(t *testing.T) {
	p := New(Config{})
	_ = p.Publish(context.Background(), newTestEvent(t, events.SessionEnded, map[string]interface{}{"status": "failed"}))

	if p.EventCount(events.SessionEnded) != 1 {
		t.Error("expected event to be counted")
	}
	if p.Histogram(SessionSeconds).Count() != 0 {
		t.Error("expected no duration observation")
	}
}

func TestPrometheusHandler(t *testing.T) {
	p := New(Config{ServiceVersion: "1.2.3"})
	p.RegisterGauge("websocket_clients", "Connected websocket clients.", func() int64 { return 4 })
	_ = p.Publish(context.Background(), newTestEvent(t, events.VisitCompleted, map[string]interface{}{"actual_duration_minutes": 20}))

	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/metrics", p.PrometheusHandler())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`telehealth_build_info{service="telehealth-server",version="1.2.3",environment="development"} 1`,
		`http_server_request_duration_seconds_count{method="GET",route="/ping",status_code="200"} 1`,
		`visit_duration_minutes_bucket{le="20"} 1`,
		`visit_duration_minutes_bucket{le="15"} 0`,
		`visit_duration_minutes_count 1`,
		`telehealth_events_total{type="visit.completed"} 1`,
		`websocket_clients 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in output:\n%s", want, body)
		}
	}
}
