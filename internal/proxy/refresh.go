package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hermesosint/hermes/internal/guard"
)

// DefaultSources are public newline-delimited HTTP proxy lists.
var DefaultSources = []string{
	"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
	"https://raw.githubusercontent.com/ShiftyTR/Proxy-List/master/http.txt",
	"https://raw.githubusercontent.com/clarketm/proxy-list/master/proxy-list-raw.txt",
	"https://www.proxyscan.io/download?type=http",
}

const (
	verifyConcurrency = 100
	maxListBytes      = 5 << 20
)

// URLChecker vets a URL before it is fetched. Satisfied by *guard.Guard.
type URLChecker interface {
	CheckURL(ctx context.Context, raw string) error
}

// DialGuard re-checks the address actually dialed, closing the window
// between CheckURL and connect. Satisfied by *guard.Guard.
type DialGuard interface {
	Control(network, address string, c syscall.RawConn) error
}

var _ DialGuard = (*guard.Guard)(nil)

// RefresherConfig configures a Refresher.
type RefresherConfig struct {
	Path          string   // List written back after each refresh.
	Sources       []string // Empty = DefaultSources.
	Verify        bool     // TCP-dial each candidate before adding.
	VerifyTimeout time.Duration
	FetchTimeout  time.Duration
}

// Refresher pulls proxy lists from public sources into a Pool.
type Refresher struct {
	pool    *Pool
	cfg     RefresherConfig
	checker URLChecker
	client  *http.Client
	logger  *slog.Logger
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRefresher creates a Refresher. When client is nil a default one is
// built, and if checker is also a DialGuard every source connection goes
// through its Control hook.
func NewRefresher(pool *Pool, cfg RefresherConfig, checker URLChecker, client *http.Client, logger *slog.Logger) *Refresher {
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if client == nil {
		client = sourceClient(cfg.FetchTimeout, checker)
	}
	d := &net.Dialer{Timeout: cfg.VerifyTimeout}
	return &Refresher{
		pool:    pool,
		cfg:     cfg,
		checker: checker,
		client:  client,
		logger:  logger,
		dial:    d.DialContext,
	}
}

func sourceClient(timeout time.Duration, checker URLChecker) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if dg, ok := checker.(DialGuard); ok {
		dialer.Control = dg.Control
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     30 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Refresh fetches every source concurrently, validates the candidates,
// optionally verifies them, adds them to the pool and writes the pool back
// with a fresh checksum. It returns the number of proxies added.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	var mu sync.Mutex
	seen := make(map[string]struct{})
	var candidates []string

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range r.cfg.Sources {
		g.Go(func() error {
			lines, err := r.fetchSource(gctx, src)
			if err != nil {
				// One dead source does not fail the refresh.
				r.logger.Warn("proxy source failed",
					slog.String("source", guard.SanitizeURL(src)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, l := range lines {
				if _, dup := seen[l]; dup {
					continue
				}
				seen[l] = struct{}{}
				candidates = append(candidates, l)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	valid := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if guard.ValidateProxy(c) {
			valid = append(valid, c)
		}
	}
	if r.cfg.Verify {
		valid = r.verify(ctx, valid)
	}

	added := r.pool.Add(valid...)
	r.logger.Info("proxy pool refreshed",
		slog.Int("candidates", len(candidates)),
		slog.Int("valid", len(valid)),
		slog.Int("added", added),
		slog.Int("pool_size", r.pool.Len()),
	)

	if r.cfg.Path != "" {
		if err := r.pool.Save(r.cfg.Path); err != nil {
			return added, err
		}
	}
	return added, nil
}

func (r *Refresher) fetchSource(ctx context.Context, src string) ([]string, error) {
	if r.checker != nil {
		if err := r.checker.CheckURL(ctx, src); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if !guard.CheckContentLength(resp.Header, maxListBytes) {
		return nil, fmt.Errorf("list larger than %d bytes", maxListBytes)
	}
	body, err := guard.ReadLimited(resp.Body, maxListBytes)
	if err != nil {
		return nil, err
	}

	var out []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := string(bytes.TrimSpace(sc.Bytes()))
		if line == "" || line[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// verify keeps the candidates that accept a TCP connection within the verify
// timeout. At most verifyConcurrency dials are in flight.
func (r *Refresher) verify(ctx context.Context, candidates []string) []string {
	sem := semaphore.NewWeighted(verifyConcurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	alive := make([]string, 0, len(candidates))

	for _, c := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			defer sem.Release(1)

			dctx, cancel := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
			defer cancel()
			conn, err := r.dial(dctx, "tcp", addr)
			if err != nil {
				return
			}
			conn.Close()

			mu.Lock()
			alive = append(alive, addr)
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return alive
}

// Start runs Refresh on the cron schedule spec until Stop is called.
func (r *Refresher) Start(ctx context.Context, spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("proxy refresher already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.Refresh(ctx); err != nil {
			r.logger.Warn("scheduled proxy refresh failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("parsing refresh schedule %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("proxy refresher started", slog.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
