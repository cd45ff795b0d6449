// Package execution runs a named tool either as a local binary or inside
// the trusted container sandbox, behind one Strategy interface.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hermesosint/hermes/internal/guard"
)

// Modes accepted by New.
const (
	ModeNative = "native"
	ModeDocker = "docker"
	ModeHybrid = "hybrid"
)

// ErrToolUnavailable means no strategy can serve the tool.
var ErrToolUnavailable = errors.New("tool unavailable")

// Config is the per-invocation execution settings.
type Config struct {
	Timeout time.Duration     // Zero = strategy default.
	Proxy   string            // Proxy URL exported to the tool. Validated first.
	Env     map[string]string // Extra environment. Only allow-listed keys survive.
}

// Strategy runs tools. Execute returns the tool's combined output; a
// non-zero exit status is not an error.
type Strategy interface {
	Name() string
	IsAvailable(ctx context.Context, tool string) bool
	Execute(ctx context.Context, tool string, args []string, cfg Config) (string, error)
}

// New selects a strategy by mode.
func New(mode string, native, container Strategy, logger *slog.Logger) (Strategy, error) {
	switch mode {
	case ModeNative:
		return native, nil
	case ModeDocker:
		return container, nil
	case ModeHybrid, "":
		return NewHybrid(native, container, logger), nil
	default:
		return nil, fmt.Errorf("unknown execution mode %q", mode)
	}
}

// proxyEnv returns the proxy variables for a validated proxy URL, or nil
// when none is set or it fails validation.
func proxyEnv(proxy string, keys []string, logger *slog.Logger) map[string]string {
	if proxy == "" {
		return nil
	}
	if err := guard.ValidateProxyURL(proxy); err != nil {
		logger.Warn("ignoring invalid proxy URL",
			slog.String("proxy", guard.SanitizeURL(proxy)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	env := make(map[string]string, len(keys))
	for _, k := range keys {
		env[k] = proxy
	}
	return env
}
