// Package domain defines cross-cutting types shared by the fetch, sandbox,
// execution and scheduling layers: the error taxonomy, the retry table and
// the ORM-free records persisted by the storage backends.
package domain

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrorKind classifies a failure so callers can decide between retrying,
// rotating a proxy, or giving up, without inspecting error strings.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNetwork
	KindSSRFBlocked
	KindSizeExceeded
	KindTimeout
	KindUntrusted
	KindRateLimited
	KindCanceled
)

var kindNames = map[ErrorKind]string{
	KindNone:         "none",
	KindNetwork:      "network",
	KindSSRFBlocked:  "ssrf_blocked",
	KindSizeExceeded: "size_exceeded",
	KindTimeout:      "timeout",
	KindUntrusted:    "untrusted",
	KindRateLimited:  "rate_limited",
	KindCanceled:     "canceled",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText lets ErrorKind appear as a string in JSON payloads.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Sentinel errors. Every component boundary wraps one of these so KindOf
// can classify the failure.
var (
	ErrNetwork      = errors.New("network failure")
	ErrSSRFBlocked  = errors.New("unsafe URL blocked")
	ErrSizeExceeded = errors.New("size limit exceeded")
	ErrTimeout      = errors.New("execution timed out")
	ErrUntrusted    = errors.New("image not in trusted catalog")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// KindOf maps an error to its ErrorKind. Caller cancellation is its own
// kind and never retried. Unknown errors are treated as network failures.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSSRFBlocked):
		return KindSSRFBlocked
	case errors.Is(err, ErrSizeExceeded):
		return KindSizeExceeded
	case errors.Is(err, ErrUntrusted):
		return KindUntrusted
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// RetryDecision is what a caller should do after a failed attempt.
type RetryDecision int

const (
	NoRetry RetryDecision = iota
	RetrySameProxy
	RotateProxy
	WaitRetryAfter
	BackoffRetry
)

func (d RetryDecision) String() string {
	switch d {
	case RetrySameProxy:
		return "retry_same_proxy"
	case RotateProxy:
		return "rotate_proxy"
	case WaitRetryAfter:
		return "wait_retry_after"
	case BackoffRetry:
		return "backoff_retry"
	default:
		return "no_retry"
	}
}

// RetryPolicyFor is the retry table keyed by error kind and HTTP status.
// status is 0 when no response was received. proxied reports whether the
// attempt went through a proxy.
func RetryPolicyFor(kind ErrorKind, status int, proxied bool) RetryDecision {
	switch kind {
	case KindSSRFBlocked, KindUntrusted, KindSizeExceeded, KindRateLimited, KindCanceled:
		return NoRetry
	case KindNetwork, KindTimeout:
		return BackoffRetry
	}

	switch {
	case status == 429:
		return WaitRetryAfter
	case status == 403 && proxied:
		return RotateProxy
	case status == 202:
		return RetrySameProxy
	case status >= 500:
		return BackoffRetry
	}
	return NoRetry
}

// RateEvent is one admitted call recorded by the durable rate limiter.
type RateEvent struct {
	ResourceID string
	At         time.Time
}

// CachedResult is a persisted tool or fetch result keyed by a content hash.
type CachedResult struct {
	Key       string
	Target    string
	Platform  string
	Value     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its TTL at now.
func (c *CachedResult) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
