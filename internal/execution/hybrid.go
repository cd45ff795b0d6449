package execution

import (
	"context"
	"fmt"
	"log/slog"
)

// Hybrid prefers the native strategy and falls back to the container one.
type Hybrid struct {
	native    Strategy
	container Strategy
	logger    *slog.Logger
}

// NewHybrid combines two strategies. Either may be nil.
func NewHybrid(native, container Strategy, logger *slog.Logger) *Hybrid {
	return &Hybrid{native: native, container: container, logger: logger}
}

func (h *Hybrid) Name() string { return ModeHybrid }

func (h *Hybrid) IsAvailable(ctx context.Context, tool string) bool {
	return h.pick(ctx, tool) != nil
}

func (h *Hybrid) Execute(ctx context.Context, tool string, args []string, cfg Config) (string, error) {
	s := h.pick(ctx, tool)
	if s == nil {
		return "", fmt.Errorf("%w: %s is neither installed nor in the container catalog", ErrToolUnavailable, tool)
	}
	h.logger.Debug("hybrid selected strategy",
		slog.String("tool", tool),
		slog.String("strategy", s.Name()),
	)
	return s.Execute(ctx, tool, args, cfg)
}

func (h *Hybrid) pick(ctx context.Context, tool string) Strategy {
	if h.native != nil && h.native.IsAvailable(ctx, tool) {
		return h.native
	}
	if h.container != nil && h.container.IsAvailable(ctx, tool) {
		return h.container
	}
	return nil
}
