package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/backend/docker"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/telemetry"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	dockerCfg := docker.LoadConfig()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workspace_dir", cfg.WorkspaceDir,
		"sandbox_runtime", dockerCfg.SandboxRuntime,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	cli, err := docker.NewClient()
	if err != nil {
		log.Fatalf("failed to create docker client: %v", err)
	}

	reg := backend.NewRegistry()
	standard := docker.NewStandard(cli, dockerCfg, logger)
	if err := standard.Verify(context.Background()); err != nil {
		log.Fatalf("docker unavailable: %v", err)
	}
	reg.Register(model.BackendStandard, standard)
	// The sandbox runtime is only checked when a container is created, so a
	// host without it reports sandboxed executions as failed.
	reg.Register(model.BackendSandboxed, docker.NewSandboxed(cli, dockerCfg, logger))

	emitter := telemetry.NewEmitter(db, cfg.MetricsBuffer, logger)
	p := pool.New(reg, pool.Options{
		WorkspaceDir: cfg.WorkspaceDir,
		BuildTimeout: dockerCfg.BuildTimeout,
	}, logger)
	eng := engine.New(reg, db, p, emitter, engine.Options{
		WorkspaceDir: cfg.WorkspaceDir,
		WaitForWarm:  cfg.WaitForWarm,
	}, logger)

	bg, stop := context.WithCancel(context.Background())
	go warmUp(bg, eng, reg, cfg.WarmLanguages, logger)
	if cfg.PoolIdleTTL > 0 {
		go reap(bg, p, eng, cfg.PoolIdleTTL, logger)
	}

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, p, emitter, logger)
	runErr := srv.Run()

	stop()
	eng.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := p.DestroyAll(ctx); err != nil {
		logger.Error("failed to destroy warm containers", "error", err)
	}
	if err := emitter.Close(ctx); err != nil {
		logger.Error("failed to drain metrics", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}

// warmUp pre-builds a warm container for every configured language on every
// registered backend. Failures are logged; the keys are built on first use.
func warmUp(ctx context.Context, eng *engine.Engine, reg *backend.Registry, langs []model.Language, logger *slog.Logger) {
	var keys []pool.Key
	for _, b := range reg.Backends() {
		for _, l := range langs {
			keys = append(keys, pool.Key{Language: l, Backend: b})
		}
	}
	if len(keys) == 0 {
		return
	}
	start := time.Now()
	if err := eng.WarmUp(ctx, keys); err != nil {
		logger.Warn("warm-up incomplete", "error", err)
		return
	}
	logger.Info("warm-up complete", "keys", len(keys), "duration_ms", time.Since(start).Milliseconds())
}

// reap evicts idle warm containers and forgets finished log streams older
// than ttl.
func reap(ctx context.Context, p *pool.Pool, eng *engine.Engine, ttl time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(max(ttl/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := p.Reap(ttl); n > 0 {
				logger.Info("reaped idle containers", "count", n)
			}
			eng.Broker().Forget(now.Add(-ttl))
		}
	}
}
