package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeClient is an in-memory Client. A run started while a stream is
// attached writes stdout/stderr frames, then exits with exitCode. When hang
// is set the run never exits until ContainerKill is called.
type fakeClient struct {
	mu sync.Mutex

	buildStream string
	buildErr    error
	buildOpts   build.ImageBuildOptions
	buildFiles  map[string]string

	createErr  error
	startErr   error
	hostConfig *container.HostConfig
	config     *container.Config
	names      []string

	stdout   string
	stderr   string
	exitCode int64
	hang     bool

	copied    map[string]string
	copyPath  string
	starts    int
	kills     []string
	removed   []string
	imagesRmd []string

	attached net.Conn
	nextExit chan container.WaitResponse
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		buildStream: `{"stream":"Step 1/4 : FROM python:3.12-slim\n"}` + "\n" +
			`{"aux":{"ID":"sha256:abc123"}}` + "\n" +
			`{"stream":"Successfully built abc123\n"}` + "\n",
	}
}

func (f *fakeClient) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeClient) ImageBuild(_ context.Context, r io.Reader, opts build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildOpts = opts
	files, err := untar(r)
	if err != nil {
		return build.ImageBuildResponse{}, err
	}
	f.buildFiles = files
	if f.buildErr != nil {
		return build.ImageBuildResponse{}, f.buildErr
	}
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildStream))}, nil
}

func (f *fakeClient) ImageRemove(_ context.Context, id string, _ image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imagesRmd = append(f.imagesRmd, id)
	return nil, nil
}

func (f *fakeClient) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.config = cfg
	f.hostConfig = hc
	f.names = append(f.names, name)
	return container.CreateResponse{ID: "cid-" + name}, nil
}

func (f *fakeClient) ContainerStart(context.Context, string, container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	if f.attached == nil {
		return nil
	}

	conn, exit := f.attached, f.nextExit
	stdout, stderr, code, hang := f.stdout, f.stderr, f.exitCode, f.hang
	f.attached = nil
	if hang {
		return nil
	}
	go func() {
		if stdout != "" {
			stdcopy.NewStdWriter(conn, stdcopy.Stdout).Write([]byte(stdout))
		}
		if stderr != "" {
			stdcopy.NewStdWriter(conn, stdcopy.Stderr).Write([]byte(stderr))
		}
		conn.Close()
		exit <- container.WaitResponse{StatusCode: code}
	}()
	return nil
}

func (f *fakeClient) ContainerAttach(context.Context, string, container.AttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, client := net.Pipe()
	f.attached = server
	return types.NewHijackedResponse(client, ""), nil
}

func (f *fakeClient) ContainerWait(ctx context.Context, _ string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if cond == container.WaitConditionNotRunning {
		resCh <- container.WaitResponse{}
		return resCh, errCh
	}
	f.nextExit = resCh
	return resCh, errCh
}

func (f *fakeClient) ContainerKill(_ context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, id+":"+signal)
	if f.nextExit != nil {
		select {
		case f.nextExit <- container.WaitResponse{StatusCode: 137}:
		default:
		}
	}
	return nil
}

func (f *fakeClient) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !opts.Force {
		return errors.New("remove without force")
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeClient) CopyToContainer(_ context.Context, _ string, dst string, r io.Reader, _ container.CopyToContainerOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, err := untar(r)
	if err != nil {
		return err
	}
	f.copyPath = dst
	f.copied = files
	return nil
}

func untar(r io.Reader) (map[string]string, error) {
	files := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, err
		}
		files[hdr.Name] = buf.String()
	}
}
