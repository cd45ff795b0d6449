package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hermesosint/hermes/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "hermes.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestRateWindowsAdmit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rw := s.RateWindows()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	var got []bool
	for i := 0; i < 4; i++ {
		ok, err := rw.Admit(ctx, "breach-api", base.Add(time.Duration(i)*time.Second), time.Minute, 3)
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		got = append(got, ok)
	}
	want := []bool{true, true, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("admissions = %v, want %v", got, want)
		}
	}

	// Other resources have their own window.
	if ok, _ := rw.Admit(ctx, "other", base, time.Minute, 3); !ok {
		t.Error("independent resource should be admitted")
	}

	// Once the first event ages out, one slot frees up.
	ok, err := rw.Admit(ctx, "breach-api", base.Add(61*time.Second), time.Minute, 3)
	if err != nil || !ok {
		t.Fatalf("Admit after window = %v, %v; want true", ok, err)
	}
	n, err := rw.Count(ctx, "breach-api", base.Add(61*time.Second).Add(-time.Minute))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestRateWindowsPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rw := s.RateWindows()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := rw.Admit(ctx, "r", base.Add(time.Duration(i)*time.Minute), time.Hour, 10); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}
	n, err := rw.Prune(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
}

func TestResultsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	res := s.Results()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	miss, err := res.Get(ctx, "absent")
	if err != nil || miss != nil {
		t.Fatalf("Get(absent) = %v, %v; want nil, nil", miss, err)
	}

	entry := &domain.CachedResult{
		Key:       "k1",
		Target:    "alice",
		Platform:  "sherlock",
		Value:     `{"found":true}`,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := res.Put(ctx, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry.Value = `{"found":false}`
	if err := res.Put(ctx, entry); err != nil {
		t.Fatalf("Put (replace): %v", err)
	}

	got, err := res.Get(ctx, "k1")
	if err != nil || got == nil {
		t.Fatalf("Get: %v, %v", got, err)
	}
	if got.Value != `{"found":false}` || got.Platform != "sherlock" {
		t.Errorf("Get = %+v", got)
	}

	n, err := res.DeleteExpired(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expired rows = %d, want 1", n)
	}
}

func TestPingAndDriver(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != "sqlite" {
		t.Errorf("Driver = %q", s.Driver())
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "nested", "data", "hermes.db")
	s, err := Open(Config{Path: path}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
	if s.Driver() != "sqlite" {
		t.Errorf("Driver() = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty path")
	}
}
