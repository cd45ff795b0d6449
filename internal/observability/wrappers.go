package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hermesosint/hermes/internal/domain"
	"github.com/hermesosint/hermes/internal/execution"
	"github.com/hermesosint/hermes/internal/fetch"
	"github.com/hermesosint/hermes/internal/sandbox"
)

var (
	_ fetch.Fetcher             = (*InstrumentedFetcher)(nil)
	_ execution.ContainerRunner = (*InstrumentedSandbox)(nil)
	_ execution.Strategy        = (*InstrumentedStrategy)(nil)
)

func tracerOf(ts *TracerSetup) trace.Tracer {
	if ts == nil {
		return nil
	}
	return ts.Tracer()
}

func failSpan(ctx context.Context, tracer trace.Tracer, err error) {
	if tracer == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (a *AnomalyDetector) record(op string, failed bool) {
	if a == nil {
		return
	}
	if failed {
		a.RecordError(op)
	} else {
		a.RecordSuccess(op)
	}
}

// --- InstrumentedFetcher ---

// InstrumentedFetcher wraps a fetch.Fetcher with metrics, tracing, and anomaly detection.
type InstrumentedFetcher struct {
	inner   fetch.Fetcher
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedFetcher wraps a fetcher with observability.
func NewInstrumentedFetcher(inner fetch.Fetcher, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
		anomaly: anomaly,
	}
}

func (f *InstrumentedFetcher) Fetch(ctx context.Context, req fetch.Request) fetch.Result {
	method := req.Method
	if method == "" {
		method = "GET"
	}

	if f.tracer != nil {
		var span trace.Span
		ctx, span = f.tracer.Start(ctx, "fetch.request",
			trace.WithAttributes(
				attribute.String("http.method", method),
			))
		defer span.End()
	}

	start := time.Now()
	res := f.inner.Fetch(ctx, req)
	duration := time.Since(start).Seconds()

	outcome := fetchOutcome(res)
	if f.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.Int("http.status_code", res.Status),
			attribute.Int("fetch.attempts", res.Attempts),
			attribute.Bool("fetch.proxy_used", res.ProxyUsed),
		)
		if res.Status == 0 {
			span.SetStatus(codes.Error, res.Error)
		}
	}

	if f.metrics != nil {
		f.metrics.FetchRequestsTotal.WithLabelValues(method, outcome).Inc()
		f.metrics.FetchDuration.WithLabelValues(method).Observe(duration)
	}

	// Only transport failures count against the error rate.
	f.anomaly.record("fetch", res.Status == 0 && (res.Kind == domain.KindNetwork || res.Kind == domain.KindTimeout))

	return res
}

func fetchOutcome(res fetch.Result) string {
	switch {
	case res.OK:
		return "ok"
	case res.Status != 0:
		return "http_error"
	case res.Kind == domain.KindNone:
		return "unknown"
	default:
		return res.Kind.String()
	}
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a container runner with metrics, tracing, and anomaly detection.
type InstrumentedSandbox struct {
	inner   execution.ContainerRunner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner execution.ContainerRunner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
		anomaly: anomaly,
	}
}

func (s *InstrumentedSandbox) Catalog() *sandbox.Catalog { return s.inner.Catalog() }

func (s *InstrumentedSandbox) Ping(ctx context.Context) error { return s.inner.Ping(ctx) }

func (s *InstrumentedSandbox) RunContainer(ctx context.Context, tool string, args []string, env map[string]string, timeout time.Duration) (*sandbox.Outcome, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.tool", tool),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := s.inner.RunContainer(ctx, tool, args, env, timeout)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if domain.KindOf(err) == domain.KindTimeout {
			status = "timeout"
		}
		failSpan(ctx, s.tracer, err)
	case out != nil && out.ExitCode != 0:
		status = "nonzero_exit"
		if s.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.exit_code", out.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxRunsTotal.WithLabelValues(tool, status).Inc()
		s.metrics.SandboxRunDuration.WithLabelValues(tool).Observe(duration)
	}

	s.anomaly.record("sandbox", err != nil)

	return out, err
}

// --- InstrumentedStrategy ---

// InstrumentedStrategy wraps an execution.Strategy with metrics and tracing.
type InstrumentedStrategy struct {
	inner   execution.Strategy
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedStrategy wraps a strategy with observability.
func NewInstrumentedStrategy(inner execution.Strategy, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedStrategy {
	return &InstrumentedStrategy{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
		anomaly: anomaly,
	}
}

func (s *InstrumentedStrategy) Name() string { return s.inner.Name() }

func (s *InstrumentedStrategy) IsAvailable(ctx context.Context, tool string) bool {
	return s.inner.IsAvailable(ctx, tool)
}

func (s *InstrumentedStrategy) Execute(ctx context.Context, tool string, args []string, cfg execution.Config) (string, error) {
	name := s.inner.Name()
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "execution.execute",
			trace.WithAttributes(
				attribute.String("execution.strategy", name),
				attribute.String("execution.tool", tool),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := s.inner.Execute(ctx, tool, args, cfg)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = domain.KindOf(err).String()
		if errors.Is(err, execution.ErrToolUnavailable) {
			status = "unavailable"
		}
		failSpan(ctx, s.tracer, err)
	}

	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(name, status).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(name).Observe(duration)
	}

	s.anomaly.record("execution_"+name, err != nil)

	return out, err
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
