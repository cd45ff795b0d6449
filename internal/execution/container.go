package execution

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/hermesosint/hermes/internal/sandbox"
)

// ContainerRunner is the sandbox surface the container strategy needs.
// *sandbox.Sandbox satisfies it.
type ContainerRunner interface {
	RunContainer(ctx context.Context, tool string, args []string, env map[string]string, timeout time.Duration) (*sandbox.Outcome, error)
	Ping(ctx context.Context) error
	Catalog() *sandbox.Catalog
}

var _ ContainerRunner = (*sandbox.Sandbox)(nil)

// Container runs catalog tools in the sandbox.
type Container struct {
	runner ContainerRunner
	logger *slog.Logger
}

// NewContainer creates a container strategy.
func NewContainer(runner ContainerRunner, logger *slog.Logger) *Container {
	return &Container{runner: runner, logger: logger}
}

func (c *Container) Name() string { return ModeDocker }

// IsAvailable reports whether the tool is in the catalog and the runtime
// answers a ping.
func (c *Container) IsAvailable(ctx context.Context, tool string) bool {
	if !c.runner.Catalog().Has(tool) {
		return false
	}
	if err := c.runner.Ping(ctx); err != nil {
		c.logger.Debug("container runtime unreachable", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (c *Container) Execute(ctx context.Context, tool string, args []string, cfg Config) (string, error) {
	if _, err := c.runner.Catalog().Resolve(tool); err != nil {
		return "", err
	}

	env := maps.Clone(cfg.Env)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, proxyEnv(cfg.Proxy, []string{"HTTP_PROXY", "HTTPS_PROXY"}, c.logger))

	out, err := c.runner.RunContainer(ctx, tool, args, env, cfg.Timeout)
	if err != nil {
		return "", fmt.Errorf("container run of %s: %w", tool, err)
	}
	if out.ExitCode != 0 {
		c.logger.Warn("container tool exited non-zero",
			slog.String("tool", tool),
			slog.Int("exit_code", out.ExitCode),
		)
	}
	return out.Output, nil
}
