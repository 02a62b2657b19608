package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

const (
	// killTimeout bounds the kill issued after a run deadline expires.
	killTimeout = 10 * time.Second

	// outputDrainTimeout bounds how long to wait for the attach stream to
	// deliver trailing output once the container has exited.
	outputDrainTimeout = 2 * time.Second

	labelManaged  = "io.kiln.managed"
	labelLanguage = "io.kiln.language"
	labelBackend  = "io.kiln.backend"
)

// Driver runs functions in Docker containers. The runtime field selects the
// isolation runtime: empty for the engine default, "runsc" for gVisor.
type Driver struct {
	backend model.Backend
	runtime string
	client  Client
	cfg     Config
	logger  *slog.Logger
}

// Compile-time check that Driver satisfies the backend.Driver interface.
var _ backend.Driver = (*Driver)(nil)

// NewStandard creates the driver for the standard backend, which uses the
// container engine's default runtime.
func NewStandard(c Client, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{
		backend: model.BackendStandard,
		client:  c,
		cfg:     cfg,
		logger:  logger.With("backend", model.BackendStandard),
	}
}

// NewSandboxed creates the driver for the sandboxed backend, which requests
// cfg.SandboxRuntime for every container it creates.
func NewSandboxed(c Client, cfg Config, logger *slog.Logger) *Driver {
	rt := cfg.SandboxRuntime
	if rt == "" {
		rt = DefaultSandboxRuntime
	}
	return &Driver{
		backend: model.BackendSandboxed,
		runtime: rt,
		client:  c,
		cfg:     cfg,
		logger:  logger.With("backend", model.BackendSandboxed, "runtime", rt),
	}
}

// Verify checks that the Docker daemon is reachable.
func (d *Driver) Verify(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// Capabilities reports the driver's backend, runtime and languages.
func (d *Driver) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:               "docker-" + string(d.backend),
		Backend:            d.backend,
		Runtime:            d.runtime,
		SupportedLanguages: backend.Languages(),
	}
}

// BuildImage builds an image from the language's runtime files plus the files
// in artifactDir. A build that reports an error in its progress stream fails
// with backend.ErrBuild.
func (d *Driver) BuildImage(ctx context.Context, lc backend.LanguageConfig, artifactDir, tag string) (backend.ImageRef, error) {
	start := time.Now()

	runtimeFiles, err := lc.RuntimeFiles()
	if err != nil {
		return backend.ImageRef{}, fmt.Errorf("build %s: %w: %w", tag, backend.ErrBuild, err)
	}
	buildCtx, err := buildContext(runtimeFiles, artifactDir)
	if err != nil {
		return backend.ImageRef{}, fmt.Errorf("build %s: %w: %w", tag, backend.ErrBuild, err)
	}

	if d.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.BuildTimeout)
		defer cancel()
	}

	resp, err := d.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      d.labels(lc.Language),
	})
	if err != nil {
		return backend.ImageRef{}, fmt.Errorf("build %s: %w: %w", tag, backend.ErrBuild, err)
	}
	defer resp.Body.Close()

	var imageID string
	progress := newLineCapture(MaxOutputBytes, func(line string) {
		d.logger.Debug("image build", "tag", tag, "line", line)
	})
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, progress, 0, false, func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var aux struct {
			ID string `json:"ID"`
		}
		if json.Unmarshal(*msg.Aux, &aux) == nil && aux.ID != "" {
			imageID = aux.ID
		}
	})
	progress.Flush()
	if err != nil {
		return backend.ImageRef{}, fmt.Errorf("build %s: %w: %w", tag, backend.ErrBuild, err)
	}
	if imageID == "" {
		imageID = tag
	}

	imageBuildDuration.WithLabelValues(string(d.backend), string(lc.Language)).Observe(time.Since(start).Seconds())
	d.logger.Info("image built",
		"tag", tag,
		"image_id", imageID,
		"language", lc.Language,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return backend.ImageRef{
		ID:       imageID,
		Tag:      tag,
		Language: lc.Language,
		Backend:  d.backend,
	}, nil
}

// CreateWarmContainer creates and starts a detached container from img with
// the driver's runtime, network mode and resource limits.
func (d *Driver) CreateWarmContainer(ctx context.Context, img backend.ImageRef) (backend.ContainerHandle, error) {
	start := time.Now()
	name := containerName(img, d.backend)

	hostCfg := &container.HostConfig{
		Runtime:     d.runtime,
		NetworkMode: container.NetworkMode(d.cfg.Network),
	}
	if d.cfg.MemoryMB > 0 {
		hostCfg.Resources.Memory = d.cfg.MemoryMB << 20
	}
	if d.cfg.PidsLimit > 0 {
		limit := d.cfg.PidsLimit
		hostCfg.Resources.PidsLimit = &limit
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:  img.Name(),
		Labels: d.labels(img.Language),
	}, hostCfg, nil, nil, name)
	if err != nil {
		return backend.ContainerHandle{}, fmt.Errorf("create container %s: %w: %w", name, backend.ErrCreate, err)
	}

	h := backend.ContainerHandle{
		ID:      resp.ID,
		Name:    name,
		Image:   img,
		Runtime: d.runtime,
		Backend: d.backend,
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.remove(context.WithoutCancel(ctx), h)
		return backend.ContainerHandle{}, fmt.Errorf("start container %s: %w: %w", name, backend.ErrCreate, err)
	}

	containerCreateDuration.WithLabelValues(string(d.backend)).Observe(time.Since(start).Seconds())
	d.logger.Info("container created", "container", name, "container_id", shortID(resp.ID), "image", img.Name())
	return h, nil
}

// RunAttached waits for any previous run of the container to finish, copies
// the workspace into it, restarts it attached and collects its output. When
// req.Timeout elapses the container is killed and backend.ErrTimeout returned.
func (d *Driver) RunAttached(ctx context.Context, req backend.RunRequest) (backend.Output, error) {
	h := req.Container
	if h.Runtime != d.runtime {
		return backend.Output{}, fmt.Errorf("run %s: container runtime %q does not match driver runtime %q", h.Name, h.Runtime, d.runtime)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = model.DefaultTimeoutS * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.run(runCtx, req)
	switch {
	case err == nil:
		containerRunsTotal.WithLabelValues(string(d.backend), outcomeSuccess).Inc()
		return out, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		d.kill(h)
		containerRunsTotal.WithLabelValues(string(d.backend), outcomeTimeout).Inc()
		d.logger.Warn("container run timed out", "container", h.Name, "timeout", timeout.String())
		return out, fmt.Errorf("run %s after %s: %w", h.Name, timeout, backend.ErrTimeout)
	case ctx.Err() != nil:
		d.kill(h)
		containerRunsTotal.WithLabelValues(string(d.backend), outcomeError).Inc()
		return out, fmt.Errorf("run %s: %w", h.Name, ctx.Err())
	default:
		containerRunsTotal.WithLabelValues(string(d.backend), outcomeError).Inc()
		return out, err
	}
}

func (d *Driver) run(ctx context.Context, req backend.RunRequest) (backend.Output, error) {
	h := req.Container

	if err := d.waitNotRunning(ctx, h.ID); err != nil {
		return backend.Output{}, fmt.Errorf("wait for idle container %s: %w", h.Name, err)
	}

	archive, err := workspaceArchive(req.WorkspaceDir)
	if err != nil {
		return backend.Output{}, fmt.Errorf("pack workspace: %w", err)
	}
	if err := d.client.CopyToContainer(ctx, h.ID, req.Language.WorkDir, archive, container.CopyToContainerOptions{}); err != nil {
		return backend.Output{}, fmt.Errorf("copy workspace to %s: %w", h.Name, err)
	}

	hijack, err := d.client.ContainerAttach(ctx, h.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return backend.Output{}, fmt.Errorf("attach %s: %w", h.Name, err)
	}
	defer hijack.Close()

	// Register for the exit before starting so a fast exit is not missed.
	waitCh, errCh := d.client.ContainerWait(ctx, h.ID, container.WaitConditionNextExit)

	if err := d.client.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		return backend.Output{}, fmt.Errorf("start %s: %w", h.Name, err)
	}

	stdout := newLineCapture(MaxOutputBytes, req.LogWriter)
	stderr := newLineCapture(MaxOutputBytes, req.LogWriter)
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, hijack.Reader)
		copyDone <- err
	}()

	collect := func(exitCode int) backend.Output {
		stdout.Flush()
		stderr.Flush()
		return backend.Output{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitCode,
		}
	}

	select {
	case res := <-waitCh:
		select {
		case err := <-copyDone:
			if err != nil {
				d.logger.Debug("attach stream ended with error", "container", h.Name, "error", err)
			}
		case <-time.After(outputDrainTimeout):
			d.logger.Warn("attach stream did not drain", "container", h.Name)
		case <-ctx.Done():
			return collect(-1), ctx.Err()
		}

		out := collect(int(res.StatusCode))
		if res.Error != nil && res.Error.Message != "" {
			return out, fmt.Errorf("wait %s: %s", h.Name, res.Error.Message)
		}
		if res.StatusCode != 0 {
			return out, &backend.RunError{
				ExitCode: int(res.StatusCode),
				Stdout:   out.Stdout,
				Stderr:   strings.TrimSpace(out.Stderr),
			}
		}
		return out, nil
	case err := <-errCh:
		return collect(-1), fmt.Errorf("wait %s: %w", h.Name, err)
	case <-ctx.Done():
		return collect(-1), ctx.Err()
	}
}

func (d *Driver) waitNotRunning(ctx context.Context, id string) error {
	waitCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case <-waitCh:
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// kill force-stops the container on a context detached from the run so an
// expired deadline cannot cancel the kill itself.
func (d *Driver) kill(h backend.ContainerHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := d.client.ContainerKill(ctx, h.ID, "KILL"); err != nil {
		d.logger.Warn("failed to kill container", "container", h.Name, "error", err)
	}
}

// Destroy force-removes the container and, for request-scoped containers,
// its image. Failures are logged.
func (d *Driver) Destroy(ctx context.Context, h backend.ContainerHandle) {
	if h.ID != "" {
		d.remove(ctx, h)
	}
	if h.OwnsImage && !h.Image.IsZero() {
		if _, err := d.client.ImageRemove(ctx, h.Image.Name(), image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
			d.logger.Warn("failed to remove image", "image", h.Image.Name(), "error", err)
		}
	}
}

func (d *Driver) remove(ctx context.Context, h backend.ContainerHandle) {
	err := d.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		d.logger.Warn("failed to remove container", "container", h.Name, "error", err)
		return
	}
	containersDestroyedTotal.WithLabelValues(string(d.backend)).Inc()
	d.logger.Debug("container removed", "container", h.Name)
}

func (d *Driver) labels(l model.Language) map[string]string {
	return map[string]string{
		labelManaged:  "true",
		labelLanguage: string(l),
		labelBackend:  string(d.backend),
	}
}

// containerName derives a unique container name from the image repository.
func containerName(img backend.ImageRef, b model.Backend) string {
	repo := img.Tag
	if i := strings.LastIndex(repo, ":"); i > 0 {
		repo = repo[:i]
	}
	if repo == "" {
		repo = "kiln-" + string(b)
	}
	id := strings.ToLower(model.NewID())
	return fmt.Sprintf("%s-%s", repo, id[len(id)-8:])
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
