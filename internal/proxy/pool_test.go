package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const sampleList = "# public proxies\n8.8.8.8:3128\n1.1.1.1:8080\n\n127.0.0.1:8080\n8.8.8.8:3128\nnot-a-proxy\n"

func writeList(t *testing.T, dir, body string, checksum *string) string {
	t.Helper()
	path := filepath.Join(dir, "proxies.txt")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	if checksum != nil {
		if err := os.WriteFile(path+ChecksumSuffix, []byte(*checksum+"\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestLoadWithMatchingChecksum(t *testing.T) {
	sum := Checksum([]byte(sampleList))
	path := writeList(t, t.TempDir(), sampleList, &sum)

	p := NewPool(discard)
	n, err := p.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded = %d, want 2 (invalid and duplicate lines skipped)", n)
	}
	if !p.Verified() || p.Checksum() != sum || p.Source() != path {
		t.Errorf("verified=%v checksum=%q source=%q", p.Verified(), p.Checksum(), p.Source())
	}
}

func TestLoadWithCorruptedChecksumDiscardsEverything(t *testing.T) {
	sum := Checksum([]byte(sampleList))
	path := writeList(t, t.TempDir(), sampleList+"9.9.9.9:3128\n", &sum)

	p := NewPool(discard)
	p.Add("4.4.4.4:3128")
	n, err := p.Load(path)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Load error = %v, want ErrChecksumMismatch", err)
	}
	if n != 0 || p.Len() != 0 {
		t.Errorf("pool has %d entries after mismatch, want 0", p.Len())
	}
	if _, ok := p.Pick(); ok {
		t.Error("Pick should fail on an empty pool")
	}
}

func TestLoadWithoutChecksumLoadsUnverified(t *testing.T) {
	path := writeList(t, t.TempDir(), sampleList, nil)

	p := NewPool(discard)
	n, err := p.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded = %d, want 2", n)
	}
	if p.Verified() {
		t.Error("pool without checksum file should be unverified")
	}
}

func TestLoadAcceptsSha256sumFormat(t *testing.T) {
	sum := Checksum([]byte(sampleList))
	line := sum + "  proxies.txt"
	path := writeList(t, t.TempDir(), sampleList, &line)
	if _, err := NewPool(discard).Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestSaveRegeneratesChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "proxies.txt")

	p := NewPool(discard)
	if added := p.Add("8.8.8.8:3128", "8.8.4.4:80", "10.0.0.1:3128", "8.8.8.8:3128"); added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	if err := p.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "8.8.8.8:3128\n8.8.4.4:80\n" {
		t.Errorf("list = %q", data)
	}
	sum, err := os.ReadFile(path + ChecksumSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(sum)) != Checksum(data) {
		t.Error("checksum file does not match list")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 2 {
		t.Errorf("directory has %d entries, want 2 (no temp files left)", len(entries))
	}

	reloaded := NewPool(discard)
	if n, err := reloaded.Load(path); err != nil || n != 2 || !reloaded.Verified() {
		t.Errorf("reload = %d, %v, verified=%v", n, err, reloaded.Verified())
	}
}

func TestRemoveAndPick(t *testing.T) {
	p := NewPool(discard)
	p.Add("8.8.8.8:3128", "8.8.4.4:80")
	if !p.Remove("8.8.8.8:3128") {
		t.Fatal("Remove should report presence")
	}
	if p.Remove("8.8.8.8:3128") {
		t.Error("second Remove should report absence")
	}
	for i := 0; i < 10; i++ {
		got, ok := p.Pick()
		if !ok || got != "8.8.4.4:80" {
			t.Fatalf("Pick = %q, %v", got, ok)
		}
	}
	if got := p.List(); len(got) != 1 {
		t.Errorf("List = %v", got)
	}
}

func TestPickCoversPool(t *testing.T) {
	p := NewPool(discard)
	p.Add("8.8.8.8:1", "8.8.8.8:2", "8.8.8.8:3")
	seen := map[string]bool{}
	for i := 0; i < 300; i++ {
		v, _ := p.Pick()
		seen[v] = true
	}
	if len(seen) != 3 {
		t.Errorf("Pick reached %d of 3 proxies", len(seen))
	}
}

func TestRefreshFromSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.txt":
			fmt.Fprint(w, "8.8.8.8:3128\n# comment\n192.168.1.1:8080\n")
		case "/b.txt":
			fmt.Fprint(w, "1.1.1.1:80\n8.8.8.8:3128\nbogus\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "proxies.txt")
	pool := NewPool(discard)
	r := NewRefresher(pool, RefresherConfig{
		Path:    path,
		Sources: []string{srv.URL + "/a.txt", srv.URL + "/b.txt", srv.URL + "/missing"},
	}, nil, srv.Client(), discard)

	added, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	got := pool.List()
	sort.Strings(got)
	if strings.Join(got, ",") != "1.1.1.1:80,8.8.8.8:3128" {
		t.Errorf("pool = %v", got)
	}
	if _, err := os.Stat(path + ChecksumSuffix); err != nil {
		t.Errorf("checksum not written: %v", err)
	}
}

// denyAll rejects every URL.
type denyAll struct{}

func (denyAll) CheckURL(context.Context, string) error { return errors.New("blocked") }

func TestRefreshSkipsUnsafeSources(t *testing.T) {
	var hit atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		fmt.Fprint(w, "8.8.8.8:3128\n")
	}))
	defer srv.Close()

	pool := NewPool(discard)
	r := NewRefresher(pool, RefresherConfig{Sources: []string{srv.URL}}, denyAll{}, srv.Client(), discard)
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if hit.Load() || pool.Len() != 0 {
		t.Error("blocked source must not be fetched")
	}
}

// rebindingGuard passes the URL check but refuses every dial, as the real
// guard does when a name re-resolves to a private address.
type rebindingGuard struct{ dials atomic.Int32 }

func (*rebindingGuard) CheckURL(context.Context, string) error { return nil }

func (g *rebindingGuard) Control(_, address string, _ syscall.RawConn) error {
	g.dials.Add(1)
	return fmt.Errorf("dial to %s refused", address)
}

func TestRefreshDialsThroughGuard(t *testing.T) {
	var hit atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		fmt.Fprint(w, "8.8.8.8:3128\n")
	}))
	defer srv.Close()

	g := &rebindingGuard{}
	pool := NewPool(discard)
	r := NewRefresher(pool, RefresherConfig{Sources: []string{srv.URL}}, g, nil, discard)
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if g.dials.Load() == 0 {
		t.Error("default client must dial through the guard's Control hook")
	}
	if hit.Load() || pool.Len() != 0 {
		t.Error("refused dial must not reach the source")
	}
}

func TestVerifyKeepsReachable(t *testing.T) {
	r := NewRefresher(NewPool(discard), RefresherConfig{Verify: true}, nil, nil, discard)
	r.dial = func(_ context.Context, _, addr string) (net.Conn, error) {
		if addr == "8.8.8.8:3128" {
			c1, c2 := net.Pipe()
			c2.Close()
			return c1, nil
		}
		return nil, errors.New("connection refused")
	}
	got := r.verify(context.Background(), []string{"8.8.8.8:3128", "8.8.4.4:3128"})
	if len(got) != 1 || got[0] != "8.8.8.8:3128" {
		t.Errorf("verify = %v", got)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	r := NewRefresher(NewPool(discard), RefresherConfig{}, nil, nil, discard)
	if err := r.Start(context.Background(), "not a schedule"); err == nil {
		t.Error("bad cron spec should fail")
	}
	if err := r.Start(context.Background(), "@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background(), "@every 1h"); err == nil {
		t.Error("second Start should fail")
	}
	r.Stop()
}
