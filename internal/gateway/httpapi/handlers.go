package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/hermesosint/hermes/internal/domain"
	"github.com/hermesosint/hermes/internal/execution"
	"github.com/hermesosint/hermes/internal/fetch"
	"github.com/hermesosint/hermes/internal/guard"
	"github.com/hermesosint/hermes/internal/scheduler"
	"github.com/hermesosint/hermes/internal/tools"
)

// --- Fetch ---

// FetchRequest is the JSON body for POST /v1/fetch.
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    string            `json:"body,omitempty"`
	JSON    any               `json:"json,omitempty"`
	Retries int               `json:"retries,omitempty"`
	DelayMS int               `json:"delay_ms,omitempty"`
	NoProxy bool              `json:"no_proxy,omitempty"`
}

func (r FetchRequest) toRequest() fetch.Request {
	req := fetch.Request{
		URL:      r.URL,
		Method:   strings.ToUpper(r.Method),
		JSONBody: r.JSON,
		Retries:  r.Retries,
		Delay:    time.Duration(r.DelayMS) * time.Millisecond,
		NoProxy:  r.NoProxy,
	}
	if r.Body != "" {
		req.Body = []byte(r.Body)
	}
	if len(r.Headers) > 0 {
		req.Headers = make(http.Header, len(r.Headers))
		for k, v := range r.Headers {
			req.Headers.Set(k, v)
		}
	}
	if len(r.Query) > 0 {
		req.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			req.Query.Set(k, v)
		}
	}
	return req
}

func (g *Gateway) handleFetch(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req FetchRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.URL == "" {
		return c.AbortBadRequest("url is required")
	}
	if req.Retries < 0 || req.DelayMS < 0 {
		return c.AbortBadRequest("retries and delay_ms must not be negative")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http fetch",
		slog.String("user_id", c.GetString("userID")),
		slog.String("correlation_id", correlationID),
		slog.String("url", guard.SanitizeURL(req.URL)),
	)

	res := g.fetcher.Fetch(c.Context(), req.toRequest())
	return c.OK(res)
}

// --- Run ---

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	Tool     string   `json:"tool"`
	Args     []string `json:"args,omitempty"`
	TimeoutS int      `json:"timeout_s,omitempty"`
	Priority string   `json:"priority,omitempty"` // high, normal (default) or low.
}

// RunResponse is the JSON response for POST /v1/run. A failed run is
// reported in Error and Kind with HTTP 200.
type RunResponse struct {
	ID            string `json:"id"`
	Tool          string `json:"tool"`
	Strategy      string `json:"strategy"`
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	Kind          string `json:"kind,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Tool == "" {
		return c.AbortBadRequest("tool is required")
	}
	if req.TimeoutS < 0 {
		return c.AbortBadRequest("timeout_s must not be negative")
	}
	tool, ok := g.knownTool(req.Tool)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "unknown tool"})
	}
	req.Tool = tool
	priority, err := scheduler.ParsePriority(req.Priority)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	correlationID := newCorrelationID()
	g.logger.Info("http run",
		slog.String("user_id", c.GetString("userID")),
		slog.String("correlation_id", correlationID),
		slog.String("tool", req.Tool),
		slog.String("priority", priority.String()),
	)

	cfg := execution.Config{Timeout: time.Duration(req.TimeoutS) * time.Second}
	h := g.scheduler.Submit(func(ctx context.Context) (any, error) {
		return g.strategy.Execute(ctx, req.Tool, req.Args, cfg)
	}, priority)

	v, err := h.Wait(c.Context())
	if errors.Is(err, scheduler.ErrStopped) {
		return c.AbortServiceUnavailable("scheduler is shutting down")
	}

	resp := RunResponse{
		ID:            h.ID,
		Tool:          req.Tool,
		Strategy:      g.strategy.Name(),
		CorrelationID: correlationID,
	}
	if out, ok := v.(string); ok {
		resp.Output = out
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = errorKind(err)
		g.logger.Warn("http run failed",
			slog.String("correlation_id", correlationID),
			slog.String("tool", req.Tool),
			slog.String("error", err.Error()),
		)
	}
	return c.OK(resp)
}

// knownTool maps a catalog tool, catalog repository or adapter name to its
// bare tool name. Nothing else may reach the execution strategy.
func (g *Gateway) knownTool(name string) (string, bool) {
	if g.catalog != nil {
		if img, err := g.catalog.Resolve(name); err == nil {
			return img.Tool, true
		}
	}
	if g.adapters != nil && g.adapters.Get(name) != nil {
		return name, true
	}
	return "", false
}

// --- Scan ---

// ScanRequest is the JSON body for POST /v1/scan.
type ScanRequest struct {
	Tool     string `json:"tool"`
	Target   string `json:"target"`
	Priority string `json:"priority,omitempty"`
}

// ScanResponse is the JSON response for POST /v1/scan.
type ScanResponse struct {
	Tool     string          `json:"tool"`
	Target   string          `json:"target"`
	Findings []tools.Finding `json:"findings"`
	Cached   bool            `json:"cached"`
	Error    string          `json:"error,omitempty"`
	Kind     string          `json:"kind,omitempty"`
}

func (g *Gateway) handleScan(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ScanRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	req.Target = strings.TrimSpace(req.Target)
	if req.Tool == "" || req.Target == "" {
		return c.AbortBadRequest("tool and target are required")
	}
	adapter := g.adapters.Get(req.Tool)
	if adapter == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "unknown tool"})
	}
	priority, err := scheduler.ParsePriority(req.Priority)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	resp := ScanResponse{Tool: req.Tool, Target: req.Target, Findings: []tools.Finding{}}
	if raw, ok := g.cache.Get(c.Context(), req.Target, req.Tool, nil); ok {
		resp.Cached = true
		resp.Findings = nonNil(adapter.ParseResults(raw))
		return c.OK(resp)
	}

	h := g.scheduler.Submit(func(ctx context.Context) (any, error) {
		return adapter.Execute(ctx, req.Target)
	}, priority)
	v, err := h.Wait(c.Context())
	switch {
	case errors.Is(err, tools.ErrInvalidTarget):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		return c.AbortServiceUnavailable("scheduler is shutting down")
	case err != nil:
		resp.Error = err.Error()
		resp.Kind = errorKind(err)
		return c.OK(resp)
	}

	raw, _ := v.(string)
	g.cache.Set(c.Context(), req.Target, req.Tool, nil, raw)
	resp.Findings = nonNil(adapter.ParseResults(raw))
	return c.OK(resp)
}

func nonNil(f []tools.Finding) []tools.Finding {
	if f == nil {
		return []tools.Finding{}
	}
	return f
}

// --- Tools ---

// ToolInfo describes one tool known to the gateway.
type ToolInfo struct {
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	Adapter   bool   `json:"adapter"`
	Available bool   `json:"available"`
}

func (g *Gateway) handleTools(c *okapi.Context) error {
	seen := make(map[string]int)
	var out []ToolInfo
	add := func(name string) *ToolInfo {
		if i, ok := seen[name]; ok {
			return &out[i]
		}
		seen[name] = len(out)
		out = append(out, ToolInfo{Name: name})
		return &out[len(out)-1]
	}

	if g.catalog != nil {
		for _, name := range g.catalog.Tools() {
			img, _ := g.catalog.Resolve(name)
			add(name).Image = img.Ref()
		}
	}
	if g.adapters != nil {
		for _, name := range g.adapters.List() {
			add(name).Adapter = true
		}
	}
	for i := range out {
		out[i].Available = g.strategy.IsAvailable(c.Context(), out[i].Name)
	}
	if out == nil {
		out = []ToolInfo{}
	}
	return c.OK(out)
}

// --- Proxies ---

// ProxyStats is the JSON response for GET /v1/proxies.
type ProxyStats struct {
	Count    int    `json:"count"`
	Source   string `json:"source,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Verified bool   `json:"verified"`
}

func (g *Gateway) handleProxies(c *okapi.Context) error {
	return c.OK(ProxyStats{
		Count:    g.proxies.Len(),
		Source:   g.proxies.Source(),
		Checksum: g.proxies.Checksum(),
		Verified: g.proxies.Verified(),
	})
}

// errorKind labels err for API responses.
func errorKind(err error) string {
	if errors.Is(err, execution.ErrToolUnavailable) {
		return "tool_unavailable"
	}
	return domain.KindOf(err).String()
}
