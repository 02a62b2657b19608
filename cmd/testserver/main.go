// testserver starts a Kiln API server with stub drivers for manual and E2E
// testing without a container engine.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/telemetry"
)

// stubDriver pretends to run functions. Each run sleeps for delay, streams a
// few log lines and echoes the function source. Sources containing
// "timeout" never finish; sources containing "fail" exit with code 1.
type stubDriver struct {
	backend model.Backend
	delay   time.Duration
	seq     atomic.Int64
}

func (s *stubDriver) BuildImage(_ context.Context, lc backend.LanguageConfig, _, tag string) (backend.ImageRef, error) {
	time.Sleep(s.delay)
	return backend.ImageRef{ID: "sha256:stub-" + tag, Tag: tag, Language: lc.Language, Backend: s.backend}, nil
}

func (s *stubDriver) CreateWarmContainer(_ context.Context, img backend.ImageRef) (backend.ContainerHandle, error) {
	n := s.seq.Add(1)
	return backend.ContainerHandle{
		ID:      fmt.Sprintf("stub-%s-%d", s.backend, n),
		Name:    fmt.Sprintf("%s-%d", img.Tag, n),
		Image:   img,
		Backend: s.backend,
	}, nil
}

func (s *stubDriver) RunAttached(ctx context.Context, req backend.RunRequest) (backend.Output, error) {
	code, err := os.ReadFile(filepath.Join(req.WorkspaceDir, req.Language.Filename))
	if err != nil {
		return backend.Output{}, err
	}
	src := string(code)
	tag := "[" + string(s.backend) + "]"

	emit := func(line string) {
		if req.LogWriter != nil {
			req.LogWriter(line)
		}
	}
	emit(tag + " starting " + req.Container.Name)

	if strings.Contains(src, "timeout") {
		select {
		case <-time.After(req.Timeout):
			return backend.Output{ExitCode: -1}, fmt.Errorf("run %s after %s: %w", req.Container.Name, req.Timeout, backend.ErrTimeout)
		case <-ctx.Done():
			return backend.Output{}, ctx.Err()
		}
	}

	time.Sleep(s.delay)
	if strings.Contains(src, "fail") {
		emit(tag + " exited with 1")
		return backend.Output{Stderr: "stub failure\n", ExitCode: 1}, &backend.RunError{ExitCode: 1, Stderr: "stub failure"}
	}
	emit(tag + " done")
	return backend.Output{Stdout: src}, nil
}

func (s *stubDriver) Destroy(context.Context, backend.ContainerHandle) {}

func (s *stubDriver) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:               "stub-" + string(s.backend),
		Backend:            s.backend,
		SupportedLanguages: backend.Languages(),
	}
}

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	reg.Register(model.BackendStandard, &stubDriver{backend: model.BackendStandard, delay: 200 * time.Millisecond})
	reg.Register(model.BackendSandboxed, &stubDriver{backend: model.BackendSandboxed, delay: 500 * time.Millisecond})

	emitter := telemetry.NewEmitter(db, cfg.MetricsBuffer, logger)
	p := pool.New(reg, pool.Options{WorkspaceDir: cfg.WorkspaceDir}, logger)
	eng := engine.New(reg, db, p, emitter, engine.Options{
		WorkspaceDir: cfg.WorkspaceDir,
		WaitForWarm:  cfg.WaitForWarm,
	}, logger)
	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, p, emitter, logger)

	logger.Info("testserver: starting", "addr", cfg.ListenAddr)
	runErr := srv.Run()

	eng.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.DestroyAll(ctx)
	emitter.Close(ctx)

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
