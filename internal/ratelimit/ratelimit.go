// Package ratelimit implements durable sliding-window admission control for
// named resources. Admitted calls are persisted so limits survive restarts.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// WindowStore persists admitted-call timestamps. Admit must prune, count and
// record inside a single transaction so concurrent processes sharing the
// store cannot over-admit.
type WindowStore interface {
	Admit(ctx context.Context, resourceID string, now time.Time, window time.Duration, maxCalls int) (bool, error)
	Count(ctx context.Context, resourceID string, since time.Time) (int64, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Policy is the sliding-window limit for one resource.
type Policy struct {
	MaxCalls int
	Window   time.Duration
}

// Decision labels used for metrics.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionError   = "error"
)

// Recorder receives one call per decision. Implemented by the observability
// metrics collector.
type Recorder interface {
	RecordRateDecision(resource, decision string)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRecorder attaches a decision recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// Limiter admits or denies calls per resource. It fails closed: any storage
// error, and any resource without a policy, is a denial.
type Limiter struct {
	store    WindowStore
	logger   *slog.Logger
	now      func() time.Time
	recorder Recorder

	mu       sync.Mutex
	policies map[string]Policy
}

// New creates a Limiter over store with the given policies.
func New(store WindowStore, policies map[string]Policy, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:    store,
		logger:   logger,
		now:      time.Now,
		policies: make(map[string]Policy, len(policies)),
	}
	for id, p := range policies {
		l.policies[id] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetPolicy adds or replaces the policy for resourceID.
func (l *Limiter) SetPolicy(resourceID string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[resourceID] = p
}

// PolicyFor returns the policy for resourceID. An id of the form
// "family:member" falls back to the policy registered for "family".
func (l *Limiter) PolicyFor(resourceID string) (Policy, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policyLocked(resourceID)
}

func (l *Limiter) policyLocked(resourceID string) (Policy, bool) {
	if p, ok := l.policies[resourceID]; ok {
		return p, true
	}
	if family, _, found := strings.Cut(resourceID, ":"); found {
		p, ok := l.policies[family]
		return p, ok
	}
	return Policy{}, false
}

// IsAllowed reports whether one more call to resourceID fits in its window.
// When it does, the call is recorded before returning true.
func (l *Limiter) IsAllowed(ctx context.Context, resourceID string) bool {
	// One critical section per check within the process; the store's
	// transaction covers other processes.
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.policyLocked(resourceID)
	if !ok || p.MaxCalls <= 0 || p.Window <= 0 {
		l.logger.Warn("rate limit denied: no policy for resource", slog.String("resource", resourceID))
		l.record(resourceID, DecisionError)
		return false
	}

	allowed, err := l.store.Admit(ctx, resourceID, l.now().UTC(), p.Window, p.MaxCalls)
	if err != nil {
		l.logger.Error("rate limit store failed, denying",
			slog.String("resource", resourceID),
			slog.String("error", err.Error()),
		)
		l.record(resourceID, DecisionError)
		return false
	}
	if !allowed {
		l.logger.Debug("rate limit exceeded",
			slog.String("resource", resourceID),
			slog.Int("max_calls", p.MaxCalls),
			slog.Duration("window", p.Window),
		)
		l.record(resourceID, DecisionDenied)
		return false
	}
	l.record(resourceID, DecisionAllowed)
	return true
}

// Remaining returns how many calls resourceID may still make in the current
// window. Unknown resources and store errors report zero.
func (l *Limiter) Remaining(ctx context.Context, resourceID string) int {
	p, ok := l.PolicyFor(resourceID)
	if !ok {
		return 0
	}
	n, err := l.store.Count(ctx, resourceID, l.now().UTC().Add(-p.Window))
	if err != nil {
		return 0
	}
	if rem := p.MaxCalls - int(n); rem > 0 {
		return rem
	}
	return 0
}

// Prune deletes events older than the longest configured window.
func (l *Limiter) Prune(ctx context.Context) (int64, error) {
	l.mu.Lock()
	var longest time.Duration
	for _, p := range l.policies {
		if p.Window > longest {
			longest = p.Window
		}
	}
	l.mu.Unlock()
	if longest == 0 {
		return 0, nil
	}
	return l.store.Prune(ctx, l.now().UTC().Add(-longest))
}

func (l *Limiter) record(resource, decision string) {
	if l.recorder == nil {
		return
	}
	family, _, _ := strings.Cut(resource, ":")
	l.recorder.RecordRateDecision(family, decision)
}
