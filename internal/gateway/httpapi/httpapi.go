// Package httpapi serves fetches, tool runs and scans over HTTP.
//
// Every /v1 route needs an API key, which maps to a user ID. Each user is
// rate limited under "api:<user>" by the durable limiter, so limits hold
// across restarts. /healthz, /readyz and /metrics are open. TLS is left to
// a reverse proxy.
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/hermesosint/hermes/internal/cache"
	"github.com/hermesosint/hermes/internal/execution"
	"github.com/hermesosint/hermes/internal/fetch"
	"github.com/hermesosint/hermes/internal/gateway"
	"github.com/hermesosint/hermes/internal/observability"
	"github.com/hermesosint/hermes/internal/proxy"
	"github.com/hermesosint/hermes/internal/sandbox"
	"github.com/hermesosint/hermes/internal/scheduler"
	"github.com/hermesosint/hermes/internal/tools"
)

const defaultMaxRequestSize = 1 << 20

// APIResource is the limiter resource family for API calls.
const APIResource = "api"

// ErrorBody documents error responses.
type ErrorBody struct {
	Error string `json:"error"`
}

type Config struct {
	ListenAddr     string
	EnableDocs     bool
	APIKeys        map[string]string // key -> user ID
	MaxRequestSize int64             // bytes; 0 means 1 MiB

	// Each of these may be nil.
	MetricsRegistry *prometheus.Registry
	MetricsPath     string // default "/metrics"
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// Limiter admits calls for a resource. Satisfied by *ratelimit.Limiter.
type Limiter interface {
	IsAllowed(ctx context.Context, resourceID string) bool
}

// Submitter queues work. Satisfied by *scheduler.Pool.
type Submitter interface {
	Submit(work scheduler.Work, priority scheduler.Priority) *scheduler.Handle
}

var _ gateway.Gateway = (*Gateway)(nil)

// Gateway serves the Hermes API on an okapi router.
type Gateway struct {
	config    Config
	fetcher   fetch.Fetcher
	strategy  execution.Strategy
	scheduler Submitter
	limiter   Limiter // nil = unlimited.
	logger    *slog.Logger

	mu     sync.Mutex
	server *http.Server

	catalog  *sandbox.Catalog // nil = /v1/tools lists adapters only.
	adapters *tools.Registry  // nil = scan endpoint disabled.
	cache    *cache.Cache     // nil = scans always run.
	proxies  *proxy.Pool      // nil = proxy endpoint disabled.

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway builds a gateway. l may be nil to disable per-user limits.
func NewGateway(cfg Config, f fetch.Fetcher, s execution.Strategy, sched Submitter, l Limiter, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:    cfg,
		fetcher:   f,
		strategy:  s,
		scheduler: sched,
		limiter:   l,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithCatalog lists the trusted sandbox images on /v1/tools.
func (g *Gateway) WithCatalog(c *sandbox.Catalog) *Gateway {
	g.catalog = c
	return g
}

// WithTools enables POST /v1/scan over the given adapters. c may be nil.
func (g *Gateway) WithTools(reg *tools.Registry, c *cache.Cache) *Gateway {
	g.adapters = reg
	g.cache = c
	return g
}

// WithProxyPool enables GET /v1/proxies.
func (g *Gateway) WithProxyPool(p *proxy.Pool) *Gateway {
	g.proxies = p
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Hermes",
			Version: "v1",
		},
	)
	return g
}

// routes registers all endpoints.
func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/fetch", g.handleFetch,
		okapi.DocSummary("Fetch a URL through the guarded pipeline"),
		okapi.DocTags("Fetch"),
		okapi.DocRequestBody(FetchRequest{}),
		okapi.DocResponse(fetch.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/run", g.handleRun,
		okapi.DocSummary("Run a tool through the configured execution strategy"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleTools,
		okapi.DocSummary("List known tools and their availability"),
		okapi.DocTags("Execution"),
		okapi.DocResponse([]ToolInfo{}),
	)

	if g.adapters != nil {
		g.group.Post("/scan", g.handleScan,
			okapi.DocSummary("Run a tool adapter against a target and return findings"),
			okapi.DocTags("Execution"),
			okapi.DocRequestBody(ScanRequest{}),
			okapi.DocResponse(ScanResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		)
	}
	if g.proxies != nil {
		g.group.Get("/proxies", g.handleProxies,
			okapi.DocSummary("Proxy pool statistics"),
			okapi.DocTags("Fetch"),
			okapi.DocResponse(ProxyStats{}),
		)
	}

	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)
	if reg := g.config.MetricsRegistry; reg != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		g.okapi.HandleStd(http.MethodGet, path, handler.ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start serves until Stop is called. Request contexts derive from ctx.
func (g *Gateway) Start(ctx context.Context) error {
	srv := g.prepare(ctx)
	g.logger.Info("api listening", slog.String("addr", srv.Addr))
	return g.okapi.StartServer(srv)
}

func (g *Gateway) prepare(ctx context.Context) *http.Server {
	g.routes()
	srv := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      15 * time.Minute, // runs and scans are awaited in-request
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()
	return srv
}

// Stop drains in-flight requests. It is a no-op before Start.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	g.logger.Info("api shutting down")
	return g.okapi.Shutdown(srv)
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(observability.HealthStatus{Status: observability.StatusOK})
}

// handleReadiness returns 503 only when a required dependency is down.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	status := g.config.HealthChecker.CheckReady(c.Context())
	if status.Status == observability.StatusUnavailable {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.OK(status)
}

// authenticate maps an X-API-Key or Bearer key to a user ID. Every key is
// compared so timing does not reveal which one matched.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		presented := c.Header("X-API-Key")
		if presented == "" {
			token, ok := strings.CutPrefix(c.Header("Authorization"), "Bearer ")
			if !ok || token == "" {
				return c.AbortUnauthorized("missing API key")
			}
			presented = token
		}

		var userID string
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				userID = id
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// allow consults the durable limiter for the calling user.
func (g *Gateway) allow(c *okapi.Context) bool {
	if g.limiter == nil {
		return true
	}
	return g.limiter.IsAllowed(c.Context(), APIResource+":"+c.GetString("userID"))
}

func newCorrelationID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
