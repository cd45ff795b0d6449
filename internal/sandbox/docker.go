package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	docker "github.com/fsouza/go-dockerclient"
)

// Runtime is the subset of the Docker API the sandbox uses.
// *docker.Client satisfies it.
type Runtime interface {
	PingWithContext(ctx context.Context) error
	InspectImage(name string) (*docker.Image, error)
	PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error
	CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error)
	StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error
	WaitContainerWithContext(id string, ctx context.Context) (int, error)
	KillContainer(opts docker.KillContainerOptions) error
	Logs(opts docker.LogsOptions) error
	RemoveContainer(opts docker.RemoveContainerOptions) error
	ListContainers(opts docker.ListContainersOptions) ([]docker.APIContainers, error)
}

var _ Runtime = (*docker.Client)(nil)

// NewRuntime connects to endpoint, or to DOCKER_HOST and the default
// socket when endpoint is empty. No request is made until first use.
func NewRuntime(endpoint string) (*docker.Client, error) {
	if endpoint == "" {
		return docker.NewClientFromEnv()
	}
	return docker.NewClient(endpoint)
}

// remove force-removes a container. It runs on every exit path of
// RunContainer; failures are logged and never returned.
func (s *Sandbox) remove(id, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	err := s.rt.RemoveContainer(docker.RemoveContainerOptions{
		ID:            id,
		Force:         true,
		RemoveVolumes: true,
		Context:       ctx,
	})
	var nsc *docker.NoSuchContainer
	if err != nil && !errors.As(err, &nsc) {
		s.logger.Warn("sandbox container removal failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Sandbox) kill(id, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	err := s.rt.KillContainer(docker.KillContainerOptions{
		ID:      id,
		Signal:  docker.SIGKILL,
		Context: ctx,
	})
	var nsc *docker.NoSuchContainer
	var cnr *docker.ContainerNotRunning
	if err != nil && !errors.As(err, &nsc) && !errors.As(err, &cnr) {
		s.logger.Warn("sandbox container kill failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}
}

// Sweep removes labelled containers left behind by a crashed process and
// returns how many were removed.
func (s *Sandbox) Sweep(ctx context.Context) (int, error) {
	leftovers, err := s.rt.ListContainers(docker.ListContainersOptions{
		All:     true,
		Filters: map[string][]string{"label": {LabelSandbox + "=1"}},
		Context: ctx,
	})
	if err != nil {
		return 0, fmt.Errorf("listing sandbox containers: %w", err)
	}
	removed := 0
	for _, c := range leftovers {
		err := s.rt.RemoveContainer(docker.RemoveContainerOptions{ID: c.ID, Force: true, RemoveVolumes: true, Context: ctx})
		if err != nil {
			s.logger.Warn("sweep failed to remove container",
				slog.String("id", c.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("swept orphaned sandbox containers", slog.Int("removed", removed))
	}
	return removed, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.truncated = true
		// Compact at twice the cap.
		if len(t.buf) >= 2*t.max {
			t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
		}
	}
	return len(p), nil
}

func (t *tailBuffer) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.truncated
}

// String returns the retained tail as valid UTF-8, prefixed with
// TruncatedMarker when earlier output was discarded.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := t.buf
	if len(data) > t.max {
		data = data[len(data)-t.max:]
	}
	text := strings.ToValidUTF8(string(data), "\uFFFD")
	if t.truncated {
		return TruncatedMarker + text
	}
	return text
}
