package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hermesosint/hermes/internal/domain"
	"github.com/hermesosint/hermes/internal/sandbox"
)

const (
	// MaxNativeOutput caps the combined output of a native run.
	MaxNativeOutput = 5 << 20

	defaultNativeTimeout = 300 * time.Second
	defaultPath          = "/usr/local/bin:/usr/bin:/bin"
)

// Native runs locally installed binaries as child processes.
//
// Each run gets:
//   - its own temp directory as HOME and working directory (removed after)
//   - its own process group, killed as a whole on timeout
//   - a minimal environment; the parent's is never inherited
//   - capped stdout/stderr
type Native struct {
	lookPath func(string) (string, error)
	path     string
	logger   *slog.Logger
}

// NewNative creates a native strategy that resolves tools on the host PATH.
func NewNative(logger *slog.Logger) *Native {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	return &Native{lookPath: exec.LookPath, path: path, logger: logger}
}

func (n *Native) Name() string { return ModeNative }

func (n *Native) IsAvailable(_ context.Context, tool string) bool {
	_, err := n.resolve(tool)
	return err == nil
}

// resolve finds tool on the search path. Only bare names are accepted;
// exec.LookPath would otherwise run any path containing a separator.
func (n *Native) resolve(tool string) (string, error) {
	if tool == "" || tool == "." || tool == ".." ||
		strings.ContainsRune(tool, '/') || strings.ContainsRune(tool, filepath.Separator) {
		return "", fmt.Errorf("%w: %q is not a bare tool name", ErrToolUnavailable, tool)
	}
	bin, err := n.lookPath(tool)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found locally", ErrToolUnavailable, tool)
	}
	return bin, nil
}

func (n *Native) Execute(ctx context.Context, tool string, args []string, cfg Config) (string, error) {
	bin, err := n.resolve(tool)
	if err != nil {
		return "", err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultNativeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "hermes-native-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			n.logger.Warn("failed to remove native temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = tmpDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID signals the whole group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	cmd.Env = n.buildEnv(tmpDir, cfg)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: MaxNativeOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: MaxNativeOutput}

	n.logger.Info("native executing",
		slog.String("tool", tool),
		slog.Int("args", len(args)),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			n.logger.Warn("native execution timed out",
				slog.String("tool", tool),
				slog.Duration("timeout", timeout),
			)
			return "", fmt.Errorf("%w: %s after %s", domain.ErrTimeout, tool, timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("running %s: %w", tool, runErr)
		}
		exitCode = exitErr.ExitCode()
		n.logger.Warn("native tool exited non-zero",
			slog.String("tool", tool),
			slog.Int("exit_code", exitCode),
		)
	}

	n.logger.Info("native execution completed",
		slog.String("tool", tool),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	out := stdout.String() + "\n" + stderr.String()
	if len(out) > MaxNativeOutput {
		out = out[:MaxNativeOutput]
	}
	return out, nil
}

// buildEnv constructs a minimal environment for the child.
func (n *Native) buildEnv(home string, cfg Config) []string {
	env := []string{
		"PATH=" + n.path,
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=en_US.UTF-8",
	}
	extra, dropped := sandbox.FilterEnv(cfg.Env)
	if dropped > 0 {
		n.logger.Warn("native dropped environment variables", slog.Int("dropped", dropped))
	}
	env = append(env, extra...)
	for k, v := range proxyEnv(cfg.Proxy, []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY"}, n.logger) {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter discards everything past its byte limit.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
