package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hermesosint/hermes/internal/config"
	"github.com/hermesosint/hermes/internal/execution"
	"github.com/hermesosint/hermes/internal/scheduler"
)

var (
	runTimeout  time.Duration
	runPriority string
	runProxy    string
	runTarget   string
)

var runCmd = &cobra.Command{
	Use:   "run <tool> [-- args...]",
	Short: "Run a tool through the configured execution strategy",
	Long: `Run a tool through the configured execution strategy and print its output.

With --target the tool's adapter builds the arguments from a validated target
and only the findings are printed:

  hermes run sherlock --target alice
  hermes run subfinder -- -d example.com -silent`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "run timeout (0 = strategy default)")
	runCmd.Flags().StringVar(&runPriority, "priority", "normal", "scheduler priority: high, normal or low")
	runCmd.Flags().StringVar(&runProxy, "proxy", "", "proxy URL exported to the tool (overrides execution.proxy)")
	runCmd.Flags().StringVar(&runTarget, "target", "", "run the tool's adapter against this target")
}

func runRun(_ *cobra.Command, args []string) error {
	logger := newLogger()

	priority, err := scheduler.ParsePriority(runPriority)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runProxy != "" {
		if cfg.Execution == nil {
			cfg.Execution = &config.ExecutionConfig{}
		}
		cfg.Execution.Proxy = runProxy
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tool, toolArgs := args[0], args[1:]
	if runTarget != "" {
		return runAdapter(ctx, sc, tool, priority)
	}

	if !sc.Strategy.IsAvailable(ctx, tool) {
		return fmt.Errorf("%s: %w (strategy %s)", tool, execution.ErrToolUnavailable, sc.Strategy.Name())
	}
	execCfg := execution.Config{Timeout: runTimeout}
	if cfg.Execution != nil {
		execCfg.Proxy = cfg.Execution.Proxy
	}
	h := sc.Scheduler.Submit(func(ctx context.Context) (any, error) {
		return sc.Strategy.Execute(ctx, tool, toolArgs, execCfg)
	}, priority)
	logger.Debug("run queued", slog.String("id", h.ID), slog.String("tool", tool))

	v, err := h.Wait(ctx)
	if out, ok := v.(string); ok {
		fmt.Print(out)
	}
	return err
}

// runAdapter runs tool's adapter against runTarget and prints one finding
// per line. Cached results are used when the cache is enabled.
func runAdapter(ctx context.Context, sc *SharedComponents, tool string, priority scheduler.Priority) error {
	adapter := sc.Adapters.Get(tool)
	if adapter == nil {
		return fmt.Errorf("no adapter for %q (known: %s)", tool, strings.Join(sc.Adapters.List(), ", "))
	}
	target := strings.TrimSpace(runTarget)

	raw, cached := sc.Cache.Get(ctx, target, tool, nil)
	if !cached {
		h := sc.Scheduler.Submit(func(ctx context.Context) (any, error) {
			return adapter.Execute(ctx, target)
		}, priority)
		v, err := h.Wait(ctx)
		if err != nil {
			return err
		}
		raw, _ = v.(string)
		sc.Cache.Set(ctx, target, tool, nil, raw)
	}

	for _, f := range adapter.ParseResults(raw) {
		fmt.Println(f.Value)
	}
	return nil
}
