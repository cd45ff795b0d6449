// Package fetch is the resilient HTTP fetch pipeline: bounded concurrency,
// proxy rotation, jitter, manual redirects re-checked at every hop, and
// retry handling for 429/403/202/5xx and transport errors. Every failure is
// reported through Result; Fetch never returns an error.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hermesosint/hermes/internal/config"
	"github.com/hermesosint/hermes/internal/domain"
	"github.com/hermesosint/hermes/internal/guard"
	"github.com/hermesosint/hermes/internal/proxy"
)

const (
	maxRedirects      = 5
	defaultRetryAfter = 5 * time.Second
	acceptedDelay     = 2 * time.Second
)

// Fetcher performs one logical request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) Result
}

// URLChecker vets a URL before each network hop. Satisfied by *guard.Guard.
type URLChecker interface {
	CheckURL(ctx context.Context, raw string) error
}

// Admitter is the durable limiter consulted for Request.RateKey.
type Admitter interface {
	IsAllowed(ctx context.Context, resourceID string) bool
}

// DialControl inspects the address of every outgoing connection.
type DialControl func(network, address string, c syscall.RawConn) error

// Config holds pipeline limits.
type Config struct {
	Concurrency       int
	Timeout           time.Duration // Per attempt, including body read.
	ConnectTimeout    time.Duration
	MaxResponseBytes  int64
	MaxContentLength  int64
	JitterMin         time.Duration
	JitterMax         time.Duration
	Retries           int
	Delay             time.Duration
	DisableUserAgents bool
}

// ConfigFrom builds a pipeline Config from the fetch section.
func ConfigFrom(fc *config.FetchConfig) Config {
	jmin, jmax := fc.Jitter()
	cfg := Config{
		Concurrency:      fc.Concurrency(),
		Timeout:          fc.Timeout(),
		ConnectTimeout:   fc.ConnectTimeout(),
		MaxResponseBytes: fc.ResponseLimit(),
		MaxContentLength: fc.ContentLengthLimit(),
		JitterMin:        jmin,
		JitterMax:        jmax,
		Retries:          fc.Retries(),
		Delay:            fc.Delay(),
	}
	if fc != nil {
		cfg.DisableUserAgents = fc.DisableUserAgents
	}
	return cfg
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithGuard checks URLs and dialed addresses with g.
func WithGuard(g *guard.Guard) Option {
	return func(p *Pipeline) {
		p.checker = g
		p.control = g.Control
	}
}

// WithChecker replaces the URL checker only.
func WithChecker(c URLChecker) Option {
	return func(p *Pipeline) { p.checker = c }
}

// WithDialControl replaces the dial-time address check. nil disables it.
func WithDialControl(fn DialControl) Option {
	return func(p *Pipeline) { p.control = fn }
}

// WithLimiter enables Request.RateKey admission.
func WithLimiter(l Admitter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithPool routes attempts through proxies picked from pool.
func WithPool(pool *proxy.Pool) Option {
	return func(p *Pipeline) { p.pool = pool }
}

// Pipeline executes Requests. Safe for concurrent use.
type Pipeline struct {
	cfg     Config
	checker URLChecker
	control DialControl
	limiter Admitter
	pool    *proxy.Pool
	logger  *slog.Logger
	sem     *semaphore.Weighted
	sleep   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	direct  *http.Client
	proxied map[string]*http.Client
}

// New creates a Pipeline. Without options URLs and dials are checked by a
// guard using the system resolver.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 10 << 20
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 50 << 20
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}

	g := guard.New()
	p := &Pipeline{
		cfg:     cfg,
		checker: g,
		control: g.Control,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		sleep:   sleepCtx,
		proxied: make(map[string]*http.Client),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch performs req and reports the outcome. It blocks while all
// concurrency slots are taken.
func (p *Pipeline) Fetch(ctx context.Context, req Request) Result {
	if err := p.checker.CheckURL(ctx, req.URL); err != nil {
		p.logger.Warn("blocked unsafe URL",
			slog.String("url", guard.SanitizeURL(req.URL)),
			slog.String("error", err.Error()),
		)
		return failure(TagUnsafeURL, domain.KindSSRFBlocked)
	}
	if req.RateKey != "" && p.limiter != nil && !p.limiter.IsAllowed(ctx, req.RateKey) {
		return failure(TagRateLimited, domain.KindRateLimited)
	}

	target, err := withQuery(req.URL, req.Query)
	if err != nil {
		return Result{Error: err.Error(), Kind: domain.KindNetwork}
	}
	body, contentType, err := encodeBody(req)
	if err != nil {
		return Result{Error: err.Error(), Kind: domain.KindNetwork}
	}
	headers := p.headers(req.Headers, contentType)
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	attempts := req.Retries
	if attempts <= 0 {
		attempts = p.cfg.Retries
	}
	delay := req.Delay
	if delay <= 0 {
		delay = p.cfg.Delay
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return interrupted(err, 0)
	}
	defer p.sem.Release(1)

	lastKind := domain.KindNetwork
	sticky := ""
	for attempt := 0; attempt < attempts; attempt++ {
		last := attempt == attempts-1
		proxyAddr := sticky
		sticky = ""
		if proxyAddr == "" && !req.NoProxy && p.pool != nil {
			proxyAddr, _ = p.pool.Pick()
		}
		proxied := proxyAddr != ""

		if err := p.sleep(ctx, p.jitter()); err != nil {
			return interrupted(err, attempt)
		}

		resp, blocked, err := p.follow(ctx, p.client(proxyAddr), method, target, headers, body)
		if blocked != nil {
			blocked.ProxyUsed = proxied
			blocked.Attempts = attempt + 1
			return *blocked
		}
		if err != nil {
			if ctx.Err() != nil {
				return interrupted(ctx.Err(), attempt+1)
			}
			lastKind = domain.KindOf(err)
			p.logger.Debug("fetch attempt failed",
				slog.String("url", guard.SanitizeURL(target)),
				slog.Int("attempt", attempt+1),
				slog.Int("attempts", attempts),
				slog.Bool("proxied", proxied),
				slog.String("error", err.Error()),
			)
			if last {
				p.logger.Warn("max retries reached", slog.String("url", guard.SanitizeURL(target)))
				return Result{Error: err.Error(), Kind: lastKind, ProxyUsed: proxied, Attempts: attempt + 1}
			}
			if err := p.sleep(ctx, backoff(delay, attempt)); err != nil {
				return interrupted(err, attempt+1)
			}
			continue
		}

		if !guard.CheckContentLength(resp.Header, p.cfg.MaxContentLength) {
			discard(resp)
			return Result{Error: TagTooLarge, Kind: domain.KindSizeExceeded, ProxyUsed: proxied, Attempts: attempt + 1}
		}

		var wait time.Duration
		switch domain.RetryPolicyFor(domain.KindNone, resp.StatusCode, proxied) {
		case domain.WaitRetryAfter:
			lastKind = domain.KindRateLimited
			wait = retryAfter(resp.Header)
			p.logger.Warn("rate limited by server",
				slog.String("url", guard.SanitizeURL(target)),
				slog.Duration("retry_after", wait),
			)
			if last {
				wait = 0
			}
		case domain.RotateProxy:
			lastKind = domain.KindNetwork
			p.logger.Debug("proxy blocked, rotating", slog.String("proxy", proxyAddr))
			p.evict(proxyAddr)
		case domain.RetrySameProxy:
			if last {
				return p.read(resp, proxied, attempt+1)
			}
			sticky = proxyAddr
			wait = acceptedDelay
		case domain.BackoffRetry:
			if last {
				return p.read(resp, proxied, attempt+1)
			}
			wait = backoff(delay, attempt)
		default:
			return p.read(resp, proxied, attempt+1)
		}
		discard(resp)
		if err := p.sleep(ctx, wait); err != nil {
			return interrupted(err, attempt+1)
		}
	}

	return Result{Error: TagUnknown, Kind: lastKind, Attempts: attempts}
}

// follow sends the request and walks redirects by hand, checking each hop
// with the URL checker. It returns the first non-redirect response, or a
// terminal Result when a hop is blocked or the redirect cap is exceeded.
func (p *Pipeline) follow(ctx context.Context, client *http.Client, method, target string, headers http.Header, body []byte) (*http.Response, *Result, error) {
	current := target
	for hops := 0; ; hops++ {
		if err := p.checker.CheckURL(ctx, current); err != nil {
			p.logger.Warn("blocked unsafe hop",
				slog.String("url", guard.SanitizeURL(current)),
				slog.Int("hop", hops),
				slog.String("error", err.Error()),
			)
			r := failure(TagUnsafeURL, domain.KindSSRFBlocked)
			return nil, &r, nil
		}

		var rd io.Reader = http.NoBody
		if body != nil {
			rd = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, current, rd)
		if err != nil {
			return nil, nil, err
		}
		httpReq.Header = headers.Clone()

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, nil, err
		}
		if !isRedirect(resp.StatusCode) {
			return resp, nil, nil
		}
		loc := resp.Header.Get("Location")
		if loc == "" {
			return resp, nil, nil
		}
		discard(resp)

		if hops >= maxRedirects {
			r := failure(TagTooManyRedirect, domain.KindNetwork)
			return nil, &r, nil
		}
		next, err := resp.Request.URL.Parse(loc)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redirect location: %w", err)
		}
		if resp.StatusCode == http.StatusSeeOther ||
			((resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) &&
				method != http.MethodGet && method != http.MethodHead) {
			method = http.MethodGet
			body = nil
		}
		p.logger.Debug("following redirect", slog.String("url", guard.SanitizeURL(next.String())))
		current = next.String()
	}
}

func (p *Pipeline) read(resp *http.Response, proxied bool, attempts int) Result {
	defer resp.Body.Close()
	data, err := guard.ReadLimited(resp.Body, p.cfg.MaxResponseBytes)
	if err != nil {
		if errors.Is(err, domain.ErrSizeExceeded) {
			return Result{Error: TagTooLarge, Kind: domain.KindSizeExceeded, ProxyUsed: proxied, Attempts: attempts}
		}
		return Result{Error: err.Error(), Kind: domain.KindOf(err), ProxyUsed: proxied, Attempts: attempts}
	}
	return Result{
		Status:    resp.StatusCode,
		Text:      strings.ToValidUTF8(string(data), "\uFFFD"),
		Headers:   resp.Header,
		URL:       resp.Request.URL.String(),
		OK:        resp.StatusCode < 400,
		ProxyUsed: proxied,
		Attempts:  attempts,
	}
}

func (p *Pipeline) headers(in http.Header, contentType string) http.Header {
	h := in.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if h.Get("User-Agent") == "" && !p.cfg.DisableUserAgents {
		h.Set("User-Agent", RandomUserAgent())
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

func (p *Pipeline) jitter() time.Duration {
	lo, hi := p.cfg.JitterMin, p.cfg.JitterMax
	if hi <= 0 {
		return 0
	}
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// client returns the cached client for proxyAddr, or the direct client.
func (p *Pipeline) client(proxyAddr string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if proxyAddr == "" {
		if p.direct == nil {
			p.direct = p.newClient(nil)
		}
		return p.direct
	}
	if c, ok := p.proxied[proxyAddr]; ok {
		return c
	}
	c := p.newClient(http.ProxyURL(&url.URL{Scheme: "http", Host: proxyAddr}))
	p.proxied[proxyAddr] = c
	return c
}

func (p *Pipeline) newClient(proxyFn func(*http.Request) (*url.URL, error)) *http.Client {
	dialer := &net.Dialer{
		Timeout:   p.cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
		Control:   p.control,
	}
	return &http.Client{
		Timeout: p.cfg.Timeout,
		Transport: &http.Transport{
			Proxy:                 proxyFn,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   p.cfg.ConnectTimeout,
			ResponseHeaderTimeout: p.cfg.Timeout,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (p *Pipeline) evict(proxyAddr string) {
	if proxyAddr == "" {
		return
	}
	if p.pool != nil {
		p.pool.Remove(proxyAddr)
	}
	p.mu.Lock()
	c, ok := p.proxied[proxyAddr]
	delete(p.proxied, proxyAddr)
	p.mu.Unlock()
	if ok {
		c.CloseIdleConnections()
	}
}

// Close releases idle connections held by every client.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.direct != nil {
		p.direct.CloseIdleConnections()
	}
	for addr, c := range p.proxied {
		c.CloseIdleConnections()
		delete(p.proxied, addr)
	}
}

func withQuery(raw string, q url.Values) (string, error) {
	if len(q) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	merged := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	u.RawQuery = merged.Encode()
	return u.String(), nil
}

func encodeBody(req Request) ([]byte, string, error) {
	if req.JSONBody != nil {
		b, err := json.Marshal(req.JSONBody)
		if err != nil {
			return nil, "", fmt.Errorf("encoding JSON body: %w", err)
		}
		return b, "application/json", nil
	}
	return req.Body, "", nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// retryAfter reads an integer-seconds Retry-After header.
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return defaultRetryAfter
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultRetryAfter
	}
	return time.Duration(n) * time.Second
}

func backoff(delay time.Duration, attempt int) time.Duration {
	return delay * time.Duration(1<<attempt)
}

// discard drains a bounded amount of the body so the connection can be
// reused, then closes it.
func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, 64<<10)
	resp.Body.Close()
}

func interrupted(err error, attempts int) Result {
	return Result{Error: err.Error(), Kind: domain.KindOf(err), Attempts: attempts}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
