package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hermesosint/hermes/internal/config"
	"github.com/hermesosint/hermes/internal/domain"
	"github.com/hermesosint/hermes/internal/execution"
	"github.com/hermesosint/hermes/internal/fetch"
	"github.com/hermesosint/hermes/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs == nil || obs.Health == nil {
		t.Fatal("expected a health checker for nil config")
	}
	if obs.Metrics != nil || obs.Tracing != nil || obs.Anomaly != nil {
		t.Error("nothing but health should be enabled for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracing != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil: %v", err)
	}
}

func TestHTTPTracer_Disabled(t *testing.T) {
	var obs *Observability
	if obs.HTTPTracer() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	obs, _ = New(&config.ObservabilityConfig{}, nil)
	if obs.HTTPTracer() != nil {
		t.Error("expected nil tracer when tracing is disabled")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// CounterVec only appears in Gather after first use.
	m.FetchRequestsTotal.WithLabelValues("GET", "ok").Inc()
	m.SandboxRunsTotal.WithLabelValues("sherlock", "success").Inc()
	m.ExecutionsTotal.WithLabelValues("native", "success").Inc()
	m.RecordRateDecision("api:alice", "allowed")
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"hermes_fetch_requests_total",
		"hermes_sandbox_runs_total",
		"hermes_execution_total",
		"hermes_ratelimit_decisions_total",
		"hermes_http_requests_total",
		"go_goroutines",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RateDecisionUsesFamily(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordRateDecision("api:alice", "allowed")
	m.RecordRateDecision("api:bob", "allowed")
	m.RecordRateDecision("api:bob", "denied")
	m.RecordRateDecision("breach", "denied")

	if got := counterValue(t, m.Registry, "hermes_ratelimit_decisions_total", prometheus.Labels{"resource": "api", "decision": "allowed"}); got != 2 {
		t.Errorf("api allowed = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "hermes_ratelimit_decisions_total", prometheus.Labels{"resource": "breach", "decision": "denied"}); got != 1 {
		t.Errorf("breach denied = %v, want 1", got)
	}

	var nilMetrics *MetricsCollector
	nilMetrics.RecordRateDecision("api:alice", "allowed")
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %q, want ok", status.Checks["db"].Status)
	}
}

func TestHealthChecker_RequiredFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != StatusUnavailable {
		t.Errorf("status = %q, want %q", status.Status, StatusUnavailable)
	}
	if status.Checks["storage"].Status != "fail" || status.Checks["storage"].Message != "connection refused" {
		t.Errorf("storage check = %+v", status.Checks["storage"])
	}
	if status.Checks["sandbox"].Status != "ok" {
		t.Errorf("sandbox check = %q, want ok", status.Checks["sandbox"].Status)
	}
}

func TestHealthChecker_OptionalFailsDegrades(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(ctx context.Context) error { return nil })
	h.AddOptionalCheck("docker", func(ctx context.Context) error { return errors.New("no socket") })

	status := h.CheckReady(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("status = %q, want %q", status.Status, StatusDegraded)
	}
	if !status.Checks["docker"].Optional {
		t.Error("docker check should be reported as optional")
	}
}

func TestHealthChecker_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthChecker(nil)
	release := make(chan struct{})
	// Each check waits for the other, so a sequential run would time out.
	h.AddCheck("a", func(ctx context.Context) error {
		select {
		case release <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	h.AddCheck("b", func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if status := h.CheckReady(context.Background()); status.Status != StatusOK {
		t.Errorf("status = %q, checks = %+v", status.Status, status.Checks)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	a.record("test", true)
}

func TestAnomalyDetector_Rate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("test_op")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("test_op")
	}

	rate, n := a.Rate("test_op")
	if n != 10 || rate != 0.6 {
		t.Errorf("rate = %v over %d, want 0.6 over 10", rate, n)
	}
	if rate, n := a.Rate("other"); rate != 0 || n != 0 {
		t.Errorf("unknown op rate = %v over %d", rate, n)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, WindowSeconds: 60}, nil)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	a.RecordError("fetch")
	a.RecordError("fetch")
	now = now.Add(30 * time.Second)
	a.RecordSuccess("fetch")

	if _, n := a.Rate("fetch"); n != 3 {
		t.Fatalf("samples = %d, want 3", n)
	}
	now = now.Add(45 * time.Second)
	rate, n := a.Rate("fetch")
	if n != 1 || rate != 0 {
		t.Errorf("after expiry rate = %v over %d, want 0 over 1", rate, n)
	}
}

func TestAnomalyDetector_WarnsOncePerWindow(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5, WindowSeconds: 60}, logger)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	for i := 0; i < 20; i++ {
		a.RecordError("sandbox")
	}
	if got := strings.Count(buf.String(), "anomaly detected"); got != 1 {
		t.Errorf("warnings = %d, want 1", got)
	}

	now = now.Add(61 * time.Second)
	for i := 0; i < 5; i++ {
		a.RecordError("sandbox")
	}
	if got := strings.Count(buf.String(), "anomaly detected"); got != 2 {
		t.Errorf("warnings after a window = %d, want 2", got)
	}
}

type stubFetcher struct {
	res    fetch.Result
	called int
}

func (s *stubFetcher) Fetch(ctx context.Context, req fetch.Request) fetch.Result {
	s.called++
	return s.res
}

func TestInstrumentedFetcher_Outcomes(t *testing.T) {
	cases := []struct {
		name    string
		res     fetch.Result
		outcome string
	}{
		{"ok", fetch.Result{Status: 200, OK: true}, "ok"},
		{"http error", fetch.Result{Status: 404}, "http_error"},
		{"blocked", fetch.Result{Error: fetch.TagUnsafeURL, Kind: domain.KindSSRFBlocked}, "ssrf_blocked"},
		{"network", fetch.Result{Error: "dial tcp: refused", Kind: domain.KindNetwork}, "network"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			inner := &stubFetcher{res: tc.res}

			f := NewInstrumentedFetcher(inner, metrics, nil, nil)
			got := f.Fetch(context.Background(), fetch.Request{URL: "https://example.com"})
			if got.Status != tc.res.Status || got.Kind != tc.res.Kind {
				t.Errorf("result = %+v, want %+v", got, tc.res)
			}
			if inner.called != 1 {
				t.Errorf("inner called %d times, want 1", inner.called)
			}

			val := counterValue(t, metrics.Registry, "hermes_fetch_requests_total", prometheus.Labels{"method": "GET", "outcome": tc.outcome})
			if val != 1 {
				t.Errorf("fetch requests{outcome=%s} = %v, want 1", tc.outcome, val)
			}
		})
	}
}

func TestInstrumentedFetcher_FeedsAnomalyDetector(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.9, WindowSeconds: 60}, nil)
	f := NewInstrumentedFetcher(&stubFetcher{res: fetch.Result{Kind: domain.KindNetwork}}, nil, nil, a)
	f.Fetch(context.Background(), fetch.Request{URL: "https://example.com"})

	ok := NewInstrumentedFetcher(&stubFetcher{res: fetch.Result{Status: 500}}, nil, nil, a)
	ok.Fetch(context.Background(), fetch.Request{URL: "https://example.com"})

	if rate, n := a.Rate("fetch"); n != 2 || rate != 0.5 {
		t.Errorf("fetch rate = %v over %d, want 0.5 over 2", rate, n)
	}
}

// --- InstrumentedSandbox (wrapper) ---

type mockRunner struct {
	out *sandbox.Outcome
	err error
}

func (m *mockRunner) RunContainer(ctx context.Context, tool string, args []string, env map[string]string, timeout time.Duration) (*sandbox.Outcome, error) {
	return m.out, m.err
}

func (m *mockRunner) Ping(ctx context.Context) error { return nil }

func (m *mockRunner) Catalog() *sandbox.Catalog { return sandbox.DefaultCatalog() }

func TestInstrumentedSandbox_Statuses(t *testing.T) {
	cases := []struct {
		name   string
		runner *mockRunner
		status string
	}{
		{"success", &mockRunner{out: &sandbox.Outcome{ExitCode: 0, Duration: 100 * time.Millisecond}}, "success"},
		{"nonzero exit", &mockRunner{out: &sandbox.Outcome{ExitCode: 2}}, "nonzero_exit"},
		{"timeout", &mockRunner{err: domain.ErrTimeout}, "timeout"},
		{"untrusted", &mockRunner{err: domain.ErrUntrusted}, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			s := NewInstrumentedSandbox(tc.runner, metrics, nil, nil)

			out, err := s.RunContainer(context.Background(), "sherlock", []string{"alice"}, nil, time.Second)
			if !errors.Is(err, tc.runner.err) {
				t.Fatalf("err = %v, want %v", err, tc.runner.err)
			}
			if out != tc.runner.out {
				t.Errorf("outcome not passed through")
			}

			val := counterValue(t, metrics.Registry, "hermes_sandbox_runs_total", prometheus.Labels{"tool": "sherlock", "status": tc.status})
			if val != 1 {
				t.Errorf("sandbox runs{status=%s} = %v, want 1", tc.status, val)
			}
		})
	}
}

func TestInstrumentedSandbox_Delegates(t *testing.T) {
	s := NewInstrumentedSandbox(&mockRunner{}, nil, nil, nil)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
	if !s.Catalog().Has("sherlock") {
		t.Error("catalog not delegated")
	}
}

// --- InstrumentedStrategy (wrapper) ---

type mockStrategy struct {
	out string
	err error
}

func (m *mockStrategy) Name() string { return "native" }

func (m *mockStrategy) IsAvailable(ctx context.Context, tool string) bool { return true }

func (m *mockStrategy) Execute(ctx context.Context, tool string, args []string, cfg execution.Config) (string, error) {
	return m.out, m.err
}

func TestInstrumentedStrategy_Statuses(t *testing.T) {
	metrics := NewMetricsCollector()

	ok := NewInstrumentedStrategy(&mockStrategy{out: "found"}, metrics, nil, nil)
	out, err := ok.Execute(context.Background(), "sherlock", nil, execution.Config{})
	if err != nil || out != "found" {
		t.Fatalf("Execute = %q, %v", out, err)
	}

	missing := NewInstrumentedStrategy(&mockStrategy{err: execution.ErrToolUnavailable}, metrics, nil, nil)
	if _, err := missing.Execute(context.Background(), "sherlock", nil, execution.Config{}); !errors.Is(err, execution.ErrToolUnavailable) {
		t.Fatalf("err = %v, want ErrToolUnavailable", err)
	}

	slow := NewInstrumentedStrategy(&mockStrategy{err: domain.ErrTimeout}, metrics, nil, nil)
	slow.Execute(context.Background(), "sherlock", nil, execution.Config{})

	for status, want := range map[string]float64{"success": 1, "unavailable": 1, "timeout": 1} {
		val := counterValue(t, metrics.Registry, "hermes_execution_total", prometheus.Labels{"strategy": "native", "status": status})
		if val != want {
			t.Errorf("executions{status=%s} = %v, want %v", status, val, want)
		}
	}
	if ok.Name() != "native" || !ok.IsAvailable(context.Background(), "sherlock") {
		t.Error("Name/IsAvailable not delegated")
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "hermes_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_CapturesStatus(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/fetch", nil))

	val := counterValue(t, metrics.Registry, "hermes_http_requests_total", prometheus.Labels{"method": "POST", "path": "/v1/fetch", "status_code": "429"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
