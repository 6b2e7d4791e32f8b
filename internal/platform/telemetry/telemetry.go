// Package telemetry keeps in-process metrics for the telehealth server and
// serves them in the Prometheus text exposition format. HTTP traffic is
// measured by MetricsMiddleware; visit, waiting-room and session figures are
// derived from the lifecycle events the Provider receives as an
// events.Publisher.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/events"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	MetricsEnabled *bool // nil = enabled
}

func (c *Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "telehealth-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

func BoolPtr(b bool) *bool { return &b }

// =========== Histograms ===========

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// labeledHistograms holds one histogram per label key.
type labeledHistograms struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newLabeledHistograms() *labeledHistograms {
	return &labeledHistograms{items: make(map[string]*histogram)}
}

func (s *labeledHistograms) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *labeledHistograms) get(key string) *histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key]
}

func (s *labeledHistograms) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

// LabelsKey builds the key of an HTTP duration histogram.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// =========== Counters ===========

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// =========== Provider ===========

var (
	durationBuckets     = []float64{0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0}
	sizeBuckets         = []float64{100, 1_000, 10_000, 100_000, 1_000_000}
	waitMinuteBuckets   = []float64{1, 2, 5, 10, 15, 20, 30, 45, 60}
	visitMinuteBuckets  = []float64{5, 10, 15, 20, 30, 45, 60, 90}
	sessionSecondBucket = []float64{60, 300, 600, 900, 1800, 2700, 3600, 5400}
)

// Histogram names.
const (
	HTTPDuration     = "http_server_request_duration_seconds"
	HTTPResponseSize = "http_server_response_size_bytes"
	WaitMinutes      = "waiting_room_wait_minutes"
	VisitMinutes     = "visit_duration_minutes"
	SessionSeconds   = "video_session_duration_seconds"
)

type gaugeFunc struct {
	name, help string
	fn         func() int64
}

type Provider struct {
	cfg Config

	httpDurations  *labeledHistograms
	histograms     map[string]*histogram
	histogramHelp  map[string]string
	activeRequests int64
	events         *counterStore

	gaugeMu sync.RWMutex
	gauges  []gaugeFunc
}

func New(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:           cfg,
		httpDurations: newLabeledHistograms(),
		histograms: map[string]*histogram{
			HTTPResponseSize: newHistogram(sizeBuckets),
			WaitMinutes:      newHistogram(waitMinuteBuckets),
			VisitMinutes:     newHistogram(visitMinuteBuckets),
			SessionSeconds:   newHistogram(sessionSecondBucket),
		},
		histogramHelp: map[string]string{
			HTTPResponseSize: "Size of HTTP response bodies in bytes.",
			WaitMinutes:      "Minutes patients spent in the waiting room before admission.",
			VisitMinutes:     "Length of completed visits in minutes.",
			SessionSeconds:   "Length of ended video sessions in seconds.",
		},
		events: newCounterStore(),
	}
}

// RegisterGauge adds a gauge whose value is read at scrape time.
func (p *Provider) RegisterGauge(name, help string, fn func() int64) {
	p.gaugeMu.Lock()
	defer p.gaugeMu.Unlock()
	p.gauges = append(p.gauges, gaugeFunc{name: name, help: help, fn: fn})
}

// Histogram returns a named histogram, or nil.
func (p *Provider) Histogram(name string) *histogram {
	return p.histograms[name]
}

// HTTPHistogram returns the duration histogram for one method/route/status.
func (p *Provider) HTTPHistogram(method, route, status string) *histogram {
	return p.httpDurations.get(LabelsKey(method, route, status))
}

// EventCount is the number of events of the given type seen so far.
func (p *Provider) EventCount(typ string) int64 {
	return p.events.get(typ)
}

func (p *Provider) ActiveRequests() int64 {
	return atomic.LoadInt64(&p.activeRequests)
}

// MetricsMiddleware records the duration and response size of every request,
// labeled by route pattern rather than raw path.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}
			atomic.AddInt64(&p.activeRequests, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&p.activeRequests, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			key := LabelsKey(c.Request().Method, route, fmt.Sprintf("%d", status))
			p.httpDurations.getOrCreate(key, durationBuckets).Observe(time.Since(start).Seconds())
			if size := c.Response().Size; size > 0 {
				p.histograms[HTTPResponseSize].Observe(float64(size))
			}
			return err
		}
	}
}

// Publish counts lifecycle events and feeds the duration histograms.
func (p *Provider) Publish(_ context.Context, evts ...events.Event) error {
	if !p.cfg.metricsOn() {
		return nil
	}
	for _, e := range evts {
		p.events.add(e.Type, 1)
		switch e.Type {
		case events.WaitingAdmitted:
			p.observeField(WaitMinutes, e.Data, "actual_wait_minutes")
		case events.VisitCompleted:
			p.observeField(VisitMinutes, e.Data, "actual_duration_minutes")
		case events.SessionEnded:
			p.observeField(SessionSeconds, e.Data, "duration_seconds")
		}
	}
	return nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) observeField(name string, data json.RawMessage, field string) {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return
	}
	if v, ok := fields[field].(float64); ok {
		p.histograms[name].Observe(v)
	}
}

// PrometheusHandler serves every metric in the text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		b.WriteString("# HELP telehealth_build_info Build and environment of the running server.\n")
		b.WriteString("# TYPE telehealth_build_info gauge\n")
		fmt.Fprintf(&b, "telehealth_build_info{service=%q,version=%q,environment=%q} 1\n\n",
			p.cfg.ServiceName, p.cfg.ServiceVersion, p.cfg.Environment)

		fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n", HTTPDuration)
		fmt.Fprintf(&b, "# TYPE %s histogram\n", HTTPDuration)
		snap := p.httpDurations.snapshot()
		for _, key := range sortedKeys(snap) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, HTTPDuration, labels, snap[key])
		}
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.ActiveRequests())

		for _, name := range sortedKeys(p.histograms) {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, p.histogramHelp[name])
			fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
			writeHistogram(&b, name, "", p.histograms[name])
			b.WriteByte('\n')
		}

		b.WriteString("# HELP telehealth_events_total Lifecycle events by type.\n")
		b.WriteString("# TYPE telehealth_events_total counter\n")
		counts := p.events.snapshot()
		for _, typ := range sortedKeys(counts) {
			fmt.Fprintf(&b, "telehealth_events_total{type=%q} %d\n", typ, counts[typ])
		}
		b.WriteByte('\n')

		p.gaugeMu.RLock()
		gauges := append([]gaugeFunc(nil), p.gauges...)
		p.gaugeMu.RUnlock()
		for _, g := range gauges {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(&b, "%s %d\n\n", g.name, g.fn())
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, h.Count())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
