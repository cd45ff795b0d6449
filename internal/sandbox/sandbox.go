// Package sandbox runs allow-listed, digest-pinned tool images in
// throwaway containers with no network, no capabilities and hard resource
// ceilings. A container never outlives the call that created it.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/google/uuid"

	"github.com/hermesosint/hermes/internal/config"
	"github.com/hermesosint/hermes/internal/domain"
)

const (
	// LabelSandbox marks every container this package creates.
	LabelSandbox = "hermes.sandbox"
	// LabelTool records which catalog tool a container runs.
	LabelTool = "hermes.tool"

	// TruncatedMarker prefixes logs that exceeded the byte ceiling.
	TruncatedMarker = "[LOG TRUNCATED]\n"

	namePrefix    = "hermes-sbx-"
	cpuPeriod     = 100000
	removeTimeout = 10 * time.Second
)

// AllowedEnv is the only host environment that may cross into a container.
var AllowedEnv = map[string]bool{
	"HTTP_PROXY":  true,
	"HTTPS_PROXY": true,
	"NO_PROXY":    true,
	"SOCKS_PROXY": true,
}

// Limits are the per-container resource ceilings.
type Limits struct {
	MemoryBytes int64
	CPUQuota    int64 // Microseconds per 100ms period.
	PIDs        int64
	LogCapBytes int
	Timeout     time.Duration
	User        string
}

// LimitsFrom reads ceilings from config, applying defaults.
func LimitsFrom(cfg *config.SandboxConfig) Limits {
	return Limits{
		MemoryBytes: cfg.Memory(),
		CPUQuota:    cfg.CPU(),
		PIDs:        cfg.PIDs(),
		LogCapBytes: cfg.LogCap(),
		Timeout:     cfg.Timeout(),
		User:        cfg.RunAs(),
	}
}

// CatalogFrom extends the built-in catalog with configured images.
func CatalogFrom(cfg *config.SandboxConfig) (*Catalog, error) {
	if cfg == nil || len(cfg.Images) == 0 {
		return DefaultCatalog(), nil
	}
	byTool := make(map[string]Image, len(DefaultImages)+len(cfg.Images))
	for _, img := range DefaultImages {
		byTool[img.Tool] = img
	}
	for tool, ref := range cfg.Images {
		repo, digest, err := ParseReference(ref)
		if err != nil {
			return nil, fmt.Errorf("sandbox.images.%s: %w", tool, err)
		}
		img := byTool[tool]
		img.Tool, img.Repository, img.Digest = tool, repo, digest
		byTool[tool] = img
	}
	tools := make([]string, 0, len(byTool))
	for tool := range byTool {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	images := make([]Image, 0, len(tools))
	for _, tool := range tools {
		images = append(images, byTool[tool])
	}
	return NewCatalog(images...)
}

// Outcome is the result of one container run. A non-zero ExitCode is a
// result, not an error.
type Outcome struct {
	Output    string        `json:"output"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
}

// Sandbox executes catalog images through a container runtime.
type Sandbox struct {
	rt      Runtime
	catalog *Catalog
	limits  Limits
	logger  *slog.Logger
}

// New creates a sandbox. Zero limits take the config defaults.
func New(rt Runtime, catalog *Catalog, limits Limits, logger *slog.Logger) *Sandbox {
	def := LimitsFrom(nil)
	if limits.MemoryBytes <= 0 {
		limits.MemoryBytes = def.MemoryBytes
	}
	if limits.CPUQuota <= 0 {
		limits.CPUQuota = def.CPUQuota
	}
	if limits.PIDs <= 0 {
		limits.PIDs = def.PIDs
	}
	if limits.LogCapBytes <= 0 {
		limits.LogCapBytes = def.LogCapBytes
	}
	if limits.Timeout <= 0 {
		limits.Timeout = def.Timeout
	}
	if limits.User == "" {
		limits.User = def.User
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Sandbox{rt: rt, catalog: catalog, limits: limits, logger: logger}
}

// Catalog returns the trusted image table.
func (s *Sandbox) Catalog() *Catalog { return s.catalog }

// Ping reports whether the container runtime answers.
func (s *Sandbox) Ping(ctx context.Context) error {
	return s.rt.PingWithContext(ctx)
}

// RunContainer runs tool with args and waits up to timeout (zero = the
// configured default). Only allow-listed env keys are forwarded.
func (s *Sandbox) RunContainer(ctx context.Context, tool string, args []string, env map[string]string, timeout time.Duration) (*Outcome, error) {
	img, err := s.catalog.Resolve(tool)
	if err != nil {
		s.logger.Warn("sandbox rejected untrusted image", slog.String("tool", tool))
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.limits.Timeout
	}

	filtered, dropped := FilterEnv(env)
	if dropped > 0 {
		s.logger.Warn("sandbox dropped environment variables",
			slog.String("tool", img.Tool),
			slog.Int("dropped", dropped),
		)
	}

	if err := s.ensureImage(ctx, img); err != nil {
		return nil, err
	}

	name := namePrefix + uuid.NewString()[:8]
	cmd := make([]string, 0, len(img.Command)+len(args))
	cmd = append(cmd, img.Command...)
	cmd = append(cmd, args...)

	pids := s.limits.PIDs
	created, err := s.rt.CreateContainer(docker.CreateContainerOptions{
		Name: name,
		Config: &docker.Config{
			Image:  img.Ref(),
			Cmd:    cmd,
			Env:    filtered,
			User:   s.limits.User,
			Labels: map[string]string{LabelSandbox: "1", LabelTool: img.Tool},
		},
		HostConfig: &docker.HostConfig{
			NetworkMode: "none",
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Memory:      s.limits.MemoryBytes,
			MemorySwap:  s.limits.MemoryBytes,
			CPUPeriod:   cpuPeriod,
			CPUQuota:    s.limits.CPUQuota,
			PidsLimit:   &pids,
			Tmpfs:       map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		},
		Context: ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container for %s: %w", img.Tool, err)
	}
	defer s.remove(created.ID, name)

	s.logger.Info("sandbox executing",
		slog.String("container", name),
		slog.String("image", img.Ref()),
		slog.Int("args", len(args)),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := s.rt.StartContainerWithContext(created.ID, nil, ctx); err != nil {
		return nil, fmt.Errorf("starting container %s: %w", name, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	exitCode, waitErr := s.rt.WaitContainerWithContext(created.ID, waitCtx)
	duration := time.Since(start)
	if waitErr != nil {
		s.kill(created.ID, name)
		if waitCtx.Err() != nil {
			s.logger.Warn("sandbox timed out",
				slog.String("container", name),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrTimeout, img.Tool, timeout)
		}
		return nil, fmt.Errorf("waiting for container %s: %w", name, waitErr)
	}

	logs := newTailBuffer(s.limits.LogCapBytes)
	if err := s.rt.Logs(docker.LogsOptions{
		Context:      ctx,
		Container:    created.ID,
		OutputStream: logs,
		ErrorStream:  logs,
		Stdout:       true,
		Stderr:       true,
	}); err != nil {
		return nil, fmt.Errorf("reading logs of %s: %w", name, err)
	}

	out := &Outcome{
		Output:    logs.String(),
		ExitCode:  exitCode,
		Duration:  duration,
		Truncated: logs.Truncated(),
	}
	s.logger.Info("sandbox completed",
		slog.String("container", name),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("output_bytes", len(out.Output)),
		slog.Bool("truncated", out.Truncated),
	)
	return out, nil
}

// Present reports whether the pinned image for tool is available locally
// with a matching digest.
func (s *Sandbox) Present(tool string) (bool, error) {
	img, err := s.catalog.Resolve(tool)
	if err != nil {
		return false, err
	}
	inspected, err := s.rt.InspectImage(img.Ref())
	if errors.Is(err, docker.ErrNoSuchImage) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return hasDigest(inspected, img), nil
}

// ensureImage pulls the pinned reference when it is missing and refuses
// any local image whose repo digests do not include the pin.
func (s *Sandbox) ensureImage(ctx context.Context, img Image) error {
	inspected, err := s.rt.InspectImage(img.Ref())
	if errors.Is(err, docker.ErrNoSuchImage) {
		s.logger.Info("pulling trusted image", slog.String("image", img.Ref()))
		if err := s.rt.PullImage(docker.PullImageOptions{
			Repository: img.Repository,
			Tag:        img.Digest,
			Context:    ctx,
		}, docker.AuthConfiguration{}); err != nil {
			return fmt.Errorf("pulling %s: %w", img.Ref(), err)
		}
		inspected, err = s.rt.InspectImage(img.Ref())
	}
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", img.Ref(), err)
	}
	if !hasDigest(inspected, img) {
		s.logger.Error("image digest verification failed",
			slog.String("image", img.Ref()),
			slog.Any("repo_digests", inspected.RepoDigests),
		)
		return fmt.Errorf("%w: %s does not match its pinned digest", domain.ErrUntrusted, img.Repository)
	}
	return nil
}

func hasDigest(inspected *docker.Image, img Image) bool {
	if inspected == nil {
		return false
	}
	for _, rd := range inspected.RepoDigests {
		if strings.HasSuffix(rd, "@"+img.Digest) {
			return true
		}
	}
	return false
}

// FilterEnv keeps allow-listed keys and returns them as sorted KEY=VALUE
// pairs along with the number of keys dropped.
func FilterEnv(env map[string]string) ([]string, int) {
	out := make([]string, 0, len(AllowedEnv))
	dropped := 0
	for k, v := range env {
		if !AllowedEnv[k] {
			dropped++
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, dropped
}
