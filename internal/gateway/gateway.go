// Package gateway defines the interface for network-facing entry points.
package gateway

import "context"

// Gateway serves Hermes over a network transport.
type Gateway interface {
	// Start serves until the gateway fails or is stopped. Returns an error
	// only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown within the context deadline.
	// In-flight fetches and runs are given that long to drain.
	Stop(ctx context.Context) error
}
