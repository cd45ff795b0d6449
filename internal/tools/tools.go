// Package tools adapts external OSINT command-line tools to a common
// interface. Each adapter validates its target, runs the tool through an
// execution strategy and turns the raw output into findings.
package tools

import (
	"context"
	"sort"
	"sync"
)

// Adapter is the interface all tool adapters implement.
type Adapter interface {
	// Name returns the adapter's unique identifier (e.g. "sherlock").
	Name() string

	// CanRun reports whether the tool can be executed right now.
	CanRun(ctx context.Context) bool

	// Execute validates target, runs the tool and returns its raw output.
	Execute(ctx context.Context, target string) (string, error)

	// ParseResults extracts findings from raw output.
	ParseResults(raw string) []Finding
}

// Finding is one result line produced by a tool.
type Finding struct {
	Tool  string `json:"tool"`
	Value string `json:"value"`
}

// MaxOutputBytes is the default cap for raw output returned to callers.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available adapters keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		panic("duplicate tool registration: " + a.Name())
	}
	r.adapters[a.Name()] = a
}

// Get returns the adapter by name, or nil if not found.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// List returns all registered adapter names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
