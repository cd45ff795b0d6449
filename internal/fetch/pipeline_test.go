package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hermesosint/hermes/internal/domain"
	"github.com/hermesosint/hermes/internal/proxy"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// allowAll lets loopback test servers through.
type allowAll struct{}

func (allowAll) CheckURL(context.Context, string) error { return nil }

// denyHost blocks a single hostname.
type denyHost string

func (d denyHost) CheckURL(_ context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == string(d) {
		return fmt.Errorf("%w: %s", domain.ErrSSRFBlocked, raw)
	}
	return nil
}

type staticAdmitter bool

func (a staticAdmitter) IsAllowed(context.Context, string) bool { return bool(a) }

func newTestPipeline(cfg Config, opts ...Option) *Pipeline {
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.Delay == 0 {
		cfg.Delay = time.Millisecond
	}
	base := []Option{WithChecker(allowAll{}), WithDialControl(nil)}
	return New(cfg, discardLogger, append(base, opts...)...)
}

// recordSleeps replaces the pipeline's sleep and returns the non-zero waits.
func recordSleeps(p *Pipeline) func() []time.Duration {
	var mu sync.Mutex
	var waits []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		if d > 0 {
			mu.Lock()
			waits = append(waits, d)
			mu.Unlock()
		}
		return ctx.Err()
	}
	return func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), waits...)
	}
}

func TestFetchSuccess(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.UserAgent())
		w.Header().Set("X-Test", "1")
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	p := newTestPipeline(Config{})
	defer p.Close()
	res := p.Fetch(context.Background(), Request{URL: srv.URL + "/path"})

	if !res.OK || res.Status != 200 || res.Text != "hello" {
		t.Fatalf("result = %+v", res)
	}
	if res.URL != srv.URL+"/path" || res.Headers.Get("X-Test") != "1" {
		t.Errorf("url=%q headers=%v", res.URL, res.Headers)
	}
	if res.Error != "" || res.Kind != domain.KindNone || res.ProxyUsed || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
	got, _ := ua.Load().(string)
	found := false
	for _, candidate := range userAgents {
		if got == candidate {
			found = true
		}
	}
	if !found {
		t.Errorf("User-Agent %q not from the rotation list", got)
	}
}

func TestFetchKeepsCallerUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.UserAgent())
	}))
	defer srv.Close()

	p := newTestPipeline(Config{})
	res := p.Fetch(context.Background(), Request{URL: srv.URL, Headers: http.Header{"User-Agent": {"hermes-test"}}})
	if res.Text != "hermes-test" {
		t.Errorf("User-Agent = %q", res.Text)
	}
}

func TestFetchUnsafeURLNeverTouchesNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	// Default pipeline: real guard, loopback is private.
	p := New(Config{Retries: 1}, discardLogger)
	res := p.Fetch(context.Background(), Request{URL: srv.URL})
	if res.Status != 0 || res.OK || res.Error != TagUnsafeURL || res.Kind != domain.KindSSRFBlocked {
		t.Errorf("result = %+v", res)
	}
	if hits.Load() != 0 {
		t.Error("blocked URL reached the server")
	}

	res = p.Fetch(context.Background(), Request{URL: "file:///etc/passwd"})
	if res.Error != TagUnsafeURL {
		t.Errorf("file URL result = %+v", res)
	}
}

func redirectServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/r/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if n == 0 {
			fmt.Fprint(w, "landed")
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/r/%d", n-1), http.StatusFound)
	}))
}

func TestRedirectsFollowedUpToCap(t *testing.T) {
	srv := redirectServer(t)
	defer srv.Close()
	p := newTestPipeline(Config{})

	res := p.Fetch(context.Background(), Request{URL: srv.URL + "/r/5"})
	if !res.OK || res.Text != "landed" || res.URL != srv.URL+"/r/0" {
		t.Errorf("5 redirects: %+v", res)
	}

	res = p.Fetch(context.Background(), Request{URL: srv.URL + "/r/6"})
	if res.Status != 0 || res.OK || res.Error != TagTooManyRedirect {
		t.Errorf("6 redirects: %+v", res)
	}
}

func TestRedirectHopIsRechecked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://metadata.internal/latest/", http.StatusFound)
	}))
	defer srv.Close()

	p := newTestPipeline(Config{}, WithChecker(denyHost("metadata.internal")))
	res := p.Fetch(context.Background(), Request{URL: srv.URL})
	if res.Error != TagUnsafeURL || res.Kind != domain.KindSSRFBlocked || res.Status != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestRedirectWithoutLocationIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
		fmt.Fprint(w, "no location")
	}))
	defer srv.Close()

	res := newTestPipeline(Config{}).Fetch(context.Background(), Request{URL: srv.URL})
	if res.Status != http.StatusFound || !res.OK || res.Text != "no location" {
		t.Errorf("result = %+v", res)
	}
}

func TestDeclaredContentLengthTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(8<<20))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPipeline(Config{MaxContentLength: 1 << 20})
	res := p.Fetch(context.Background(), Request{URL: srv.URL})
	if res.Status != 0 || res.Error != TagTooLarge || res.Kind != domain.KindSizeExceeded {
		t.Errorf("result = %+v", res)
	}
}

func TestStreamedBodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := strings.Repeat("x", 32<<10)
		for i := 0; i < 64; i++ {
			if _, err := io.WriteString(w, chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	p := newTestPipeline(Config{MaxResponseBytes: 256 << 10})
	res := p.Fetch(context.Background(), Request{URL: srv.URL})
	if res.Status != 0 || res.Error != TagTooLarge || res.Kind != domain.KindSizeExceeded {
		t.Errorf("result = %+v", res)
	}
}

func TestTooManyRequestsThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	p := newTestPipeline(Config{})
	waits := recordSleeps(p)
	res := p.Fetch(context.Background(), Request{URL: srv.URL})
	if !res.OK || res.Text != "ok" || res.Attempts != 2 {
		t.Fatalf("result = %+v", res)
	}
	if w := waits(); len(w) != 1 || w[0] != 7*time.Second {
		t.Errorf("waits = %v, want [7s]", w)
	}
}

func TestTooManyRequestsExhaustsBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newTestPipeline(Config{Retries: 2})
	waits := recordSleeps(p)
	res := p.Fetch(context.Background(), Request{URL: srv.URL})
	if res.Status != 0 || res.Error != TagUnknown || res.Kind != domain.KindRateLimited {
		t.Errorf("result = %+v", res)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
	// Default Retry-After before the second attempt; none after the last.
	if w := waits(); len(w) != 1 || w[0] != defaultRetryAfter {
		t.Errorf("waits = %v", w)
	}
}

func TestServerErrorsRetryThenReturnLastResponse(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "down")
	}))
	defer srv.Close()

	p := newTestPipeline(Config{Retries: 3, Delay: 100 * time.Millisecond})
	waits := recordSleeps(p)
	res := p.Fetch(context.Background(), Request{URL: srv.URL})
	if res.Status != 503 || res.OK || res.Text != "down" || res.Attempts != 3 {
		t.Errorf("result = %+v", res)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if w := waits(); fmt.Sprint(w) != fmt.Sprint(want) {
		t.Errorf("backoff = %v, want %v", w, want)
	}
}

func TestAcceptedRetriesWithFixedDelay(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		fmt.Fprint(w, "ready")
	}))
	defer srv.Close()

	p := newTestPipeline(Config{})
	waits := recordSleeps(p)
	res := p.Fetch(context.Background(), Request{URL: srv.URL})
	if res.Text != "ready" || res.Attempts != 2 {
		t.Errorf("result = %+v", res)
	}
	if w := waits(); len(w) != 1 || w[0] != acceptedDelay {
		t.Errorf("waits = %v", w)
	}
}

func TestAcceptedOnLastAttemptIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res := newTestPipeline(Config{Retries: 1}).Fetch(context.Background(), Request{URL: srv.URL})
	if res.Status != http.StatusAccepted || !res.OK {
		t.Errorf("result = %+v", res)
	}
}

func TestTransportErrorBacksOffExponentially(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead := srv.URL
	srv.Close()

	p := newTestPipeline(Config{Retries: 3, Delay: 10 * time.Millisecond})
	waits := recordSleeps(p)
	res := p.Fetch(context.Background(), Request{URL: dead})
	if res.Status != 0 || res.OK || res.Error == "" || res.Kind != domain.KindNetwork {
		t.Errorf("result = %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if w := waits(); fmt.Sprint(w) != fmt.Sprint(want) {
		t.Errorf("backoff = %v, want %v", w, want)
	}
}

func TestRateKeyDeniedBeforeIO(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer srv.Close()

	p := newTestPipeline(Config{}, WithLimiter(staticAdmitter(false)))
	res := p.Fetch(context.Background(), Request{URL: srv.URL, RateKey: "breach-api"})
	if res.Error != TagRateLimited || res.Kind != domain.KindRateLimited || hits.Load() != 0 {
		t.Errorf("result = %+v, hits = %d", res, hits.Load())
	}

	// Without a RateKey the limiter is not consulted.
	res = p.Fetch(context.Background(), Request{URL: srv.URL})
	if !res.OK {
		t.Errorf("unkeyed request = %+v", res)
	}
}

func TestBlockedProxyIsEvictedAndRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Via") == "proxy" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, "direct")
	}))
	defer srv.Close()

	pool := proxy.NewPool(discardLogger)
	pool.Add("8.8.8.8:3128")
	p := newTestPipeline(Config{}, WithPool(pool))

	// Stand in for the proxy transport: tag requests so the server can
	// tell them apart.
	p.proxied["8.8.8.8:3128"] = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			r = r.Clone(r.Context())
			r.Header.Set("Via", "proxy")
			return http.DefaultTransport.RoundTrip(r)
		}),
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	res := p.Fetch(context.Background(), Request{URL: srv.URL})
	if !res.OK || res.Text != "direct" || res.ProxyUsed || res.Attempts != 2 {
		t.Errorf("result = %+v", res)
	}
	if pool.Len() != 0 {
		t.Error("blocked proxy should be evicted from the pool")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	p := newTestPipeline(Config{Concurrency: 2})
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Fetch(context.Background(), Request{URL: srv.URL})
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", peak.Load())
	}
}

func TestJSONBodyAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]string{
			"method": r.Method,
			"ctype":  r.Header.Get("Content-Type"),
			"query":  r.URL.RawQuery,
			"body":   string(body),
		})
	}))
	defer srv.Close()

	p := newTestPipeline(Config{})
	res := p.Fetch(context.Background(), Request{
		URL:      srv.URL + "/?a=1",
		Method:   "post",
		Query:    url.Values{"b": {"2"}},
		JSONBody: map[string]string{"email": "a@example.com"},
	})
	var got map[string]string
	if err := json.Unmarshal([]byte(res.Text), &got); err != nil {
		t.Fatalf("decoding echo: %v (%+v)", err, res)
	}
	if got["method"] != "POST" || got["ctype"] != "application/json" || got["query"] != "a=1&b=2" || got["body"] != `{"email":"a@example.com"}` {
		t.Errorf("echo = %v", got)
	}
}

func TestInvalidUTF8IsReplaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{'o', 'k', 0xff, 0xfe})
	}))
	defer srv.Close()

	res := newTestPipeline(Config{}).Fetch(context.Background(), Request{URL: srv.URL})
	if res.Text != "ok\uFFFD" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestCanceledContextStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := newTestPipeline(Config{Retries: 5, Delay: time.Hour})
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res := p.Fetch(ctx, Request{URL: srv.URL})
	if time.Since(start) > 5*time.Second {
		t.Fatal("Fetch ignored cancellation")
	}
	if res.OK || res.Status != 0 || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
	if res.Kind != domain.KindCanceled {
		t.Errorf("Kind = %v, want %v", res.Kind, domain.KindCanceled)
	}
}
