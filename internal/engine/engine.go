package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/workspace"
)

// ErrInfrastructure marks a failure of the engine's own dependencies, such as
// the function registry, rather than of the function being invoked.
var ErrInfrastructure = errors.New("infrastructure failure")

const destroyTimeout = 30 * time.Second

// Store is the persistence the engine needs.
type Store interface {
	store.FunctionStore
	store.ExecutionStore
}

// Emitter receives one metric record per invocation.
type Emitter interface {
	Emit(rec model.MetricRecord)
}

// Options configures an Engine.
type Options struct {
	// WorkspaceDir is the root under which per-invocation workspaces are created.
	WorkspaceDir string

	// WaitForWarm makes invocations wait for a busy warm container instead of
	// starting a request-scoped one.
	WaitForWarm bool
}

// Engine dispatches function invocations to execution backends.
type Engine struct {
	drivers *backend.Registry
	store   Store
	pool    *pool.Pool
	emitter Emitter
	opts    Options
	logger  *slog.Logger
	broker  *LogBroker
	now     func() time.Time
	wg      sync.WaitGroup
}

// New creates an execution engine.
func New(drivers *backend.Registry, s Store, p *pool.Pool, em Emitter, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		drivers: drivers,
		store:   s,
		pool:    p,
		emitter: em,
		opts:    opts,
		logger:  logger,
		broker:  NewLogBroker(),
		now:     time.Now,
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// invocation is a resolved, validated request to run one function.
type invocation struct {
	id       string
	fn       *model.Function
	driver   backend.Driver
	language backend.LanguageConfig
	start    time.Time
}

func (inv *invocation) key() pool.Key {
	return pool.Key{Language: inv.fn.Language, Backend: inv.fn.Backend}
}

func (inv *invocation) timeout() time.Duration {
	if inv.fn.TimeoutS <= 0 {
		return model.DefaultTimeoutS * time.Second
	}
	return time.Duration(inv.fn.TimeoutS) * time.Second
}

// Execute runs the function synchronously and returns its result. Terminal
// request errors (unknown function, unsupported backend or language, registry
// failure) are returned as errors; everything that goes wrong once execution
// has started is reported in the result.
func (e *Engine) Execute(ctx context.Context, functionID int64) (model.ExecutionResult, error) {
	inv, err := e.prepare(ctx, functionID)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	e.record(inv)
	return e.run(ctx, inv), nil
}

// Submit validates the invocation synchronously, then runs it in the
// background. It returns the pending execution record.
func (e *Engine) Submit(ctx context.Context, functionID int64) (*model.Execution, error) {
	inv, err := e.prepare(ctx, functionID)
	if err != nil {
		return nil, err
	}
	exec := e.record(inv)
	e.wg.Go(func() {
		e.run(context.Background(), inv)
	})
	return exec, nil
}

// Wait blocks until all submitted invocations complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// WarmUp builds the warm containers for keys concurrently. Keys whose
// backend or language is not available are skipped with a warning.
func (e *Engine) WarmUp(ctx context.Context, keys []pool.Key) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		if _, err := e.drivers.Resolve(key.Backend); err != nil {
			e.logger.Warn("skipping warm-up", "pool_key", key.String(), "error", err)
			continue
		}
		g.Go(func() error {
			if err := e.pool.Warm(ctx, key); err != nil {
				return fmt.Errorf("warm %s: %w", key, err)
			}
			e.logger.Info("warm container ready", "pool_key", key.String())
			return nil
		})
	}
	return g.Wait()
}

// prepare resolves the function, its driver and its language. No container
// engine call happens here. Every failure is emitted as a metric.
func (e *Engine) prepare(ctx context.Context, functionID int64) (*invocation, error) {
	start := e.now()
	fail := func(b model.Backend, err error) (*invocation, error) {
		e.emitter.Emit(model.NewMetricRecord(model.ExecutionResult{
			FunctionID: functionID,
			Backend:    b,
			Error:      err.Error(),
			Duration:   e.now().Sub(start),
		}, e.now()))
		return nil, err
	}

	fn, err := e.store.GetFunction(ctx, functionID)
	if errors.Is(err, store.ErrNotFound) {
		return fail("", fmt.Errorf("function %d: %w", functionID, store.ErrNotFound))
	}
	if err != nil {
		return fail("", fmt.Errorf("load function %d: %w: %w", functionID, ErrInfrastructure, err))
	}

	drv, err := e.drivers.Resolve(fn.Backend)
	if err != nil {
		return fail("", fmt.Errorf("function %d: %w", functionID, err))
	}
	lc, err := backend.LookupLanguage(fn.Language)
	if err != nil {
		return fail(fn.Backend, fmt.Errorf("function %d: %w", functionID, err))
	}

	return &invocation{
		id:       model.NewID(),
		fn:       fn,
		driver:   drv,
		language: lc,
		start:    start,
	}, nil
}

// record writes the pending execution row.
func (e *Engine) record(inv *invocation) *model.Execution {
	exec := &model.Execution{
		ID:         inv.id,
		FunctionID: inv.fn.ID,
		Status:     model.StatusPending,
		Backend:    inv.fn.Backend,
		CreatedAt:  inv.start.UTC(),
	}
	if err := e.store.CreateExecution(context.Background(), exec); err != nil {
		e.logger.Error("failed to record execution", "execution_id", inv.id, "function_id", inv.fn.ID, "error", err)
	}
	return exec
}

// run executes a prepared invocation. It always emits a metric, finishes the
// execution record and removes the workspace.
func (e *Engine) run(ctx context.Context, inv *invocation) (res model.ExecutionResult) {
	res = model.ExecutionResult{
		ExecutionID: inv.id,
		FunctionID:  inv.fn.ID,
		Backend:     inv.fn.Backend,
	}
	logger := e.logger.With("execution_id", inv.id, "function_id", inv.fn.ID, "backend", string(inv.fn.Backend))

	defer func() {
		res.Duration = e.now().Sub(inv.start)
		e.emitter.Emit(model.NewMetricRecord(res, e.now()))
		e.finish(inv, res)
		e.broker.Close(inv.id)
		logger.Info("execution finished", "status", res.Status(), "duration_ms", res.Duration.Milliseconds(), "cold_start", res.ColdStart)
	}()

	if err := e.store.UpdateExecutionStatus(context.Background(), inv.id, model.StatusRunning); err != nil {
		logger.Error("failed to mark execution running", "error", err)
	}

	ws, err := workspace.New(e.opts.WorkspaceDir, inv.id, inv.language.Filename, inv.fn.Code)
	if err != nil {
		res.Error = fmt.Sprintf("prepare workspace: %v", err)
		return res
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			logger.Warn("failed to remove workspace", "error", err)
		}
	}()

	h, release, cold, err := e.container(ctx, inv)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.ColdStart = cold

	var seq atomic.Int32
	out, err := inv.driver.RunAttached(ctx, backend.RunRequest{
		Container:    h,
		Language:     inv.language,
		WorkspaceDir: ws.Dir(),
		Timeout:      inv.timeout(),
		LogWriter: func(line string) {
			n := int(seq.Add(1) - 1)
			if err := e.store.InsertLogLine(context.Background(), inv.id, n, line); err != nil {
				logger.Error("failed to persist log line", "seq", n, "error", err)
			}
			e.broker.Publish(inv.id, line)
		},
	})
	res.Stdout = out.Stdout
	res.Stderr = out.Stderr
	res.ExitCode = out.ExitCode

	var runErr *backend.RunError
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrTimeout):
		res.TimedOut = true
		res.Error = err.Error()
	case errors.As(err, &runErr):
		res.ExitCode = runErr.ExitCode
		res.Error = runErr.Error()
	default:
		res.Error = err.Error()
	}
	release(err == nil)
	return res
}

// container returns a container for inv. It prefers the pool's warm
// container and falls back to a request-scoped one when the warm container is
// busy or being built. release must be called once the run is over.
func (e *Engine) container(ctx context.Context, inv *invocation) (backend.ContainerHandle, func(healthy bool), bool, error) {
	var (
		lease *pool.Lease
		err   error
	)
	if e.opts.WaitForWarm {
		lease, err = e.pool.Acquire(ctx, inv.key())
	} else {
		lease, err = e.pool.TryAcquire(ctx, inv.key())
	}
	if err == nil {
		release := func(healthy bool) { e.pool.Release(lease, healthy) }
		return lease.Container, release, lease.Built, nil
	}
	if !errors.Is(err, pool.ErrNotReady) {
		return backend.ContainerHandle{}, nil, false, fmt.Errorf("acquire warm container: %w", err)
	}

	var nr *pool.NotReadyError
	var img backend.ImageRef
	if errors.As(err, &nr) {
		img = nr.Image
	}
	h, err := e.scopedContainer(ctx, inv, img)
	if err != nil {
		return backend.ContainerHandle{}, nil, true, err
	}
	release := func(bool) { e.destroy(ctx, inv.driver, h) }
	return h, release, true, nil
}

// scopedContainer creates a container used by this invocation only. It is
// started from img when the pool already has a warm image, otherwise from an
// image built for this invocation, which is removed with the container.
func (e *Engine) scopedContainer(ctx context.Context, inv *invocation, img backend.ImageRef) (backend.ContainerHandle, error) {
	owned := img.IsZero()
	if owned {
		ws, err := workspace.New(e.opts.WorkspaceDir, inv.id+"-build", inv.language.Filename, inv.language.SampleCode)
		if err != nil {
			return backend.ContainerHandle{}, fmt.Errorf("prepare build context: %w", err)
		}
		defer func() {
			if err := ws.Remove(); err != nil {
				e.logger.Warn("failed to remove build workspace", "execution_id", inv.id, "error", err)
			}
		}()

		tag := inv.language.ColdTag(inv.fn.Backend, inv.id)
		img, err = inv.driver.BuildImage(ctx, inv.language, ws.Dir(), tag)
		if err != nil {
			return backend.ContainerHandle{}, err
		}
	}

	h, err := inv.driver.CreateWarmContainer(ctx, img)
	if err != nil {
		if owned {
			e.destroy(ctx, inv.driver, backend.ContainerHandle{Image: img, Backend: inv.fn.Backend, OwnsImage: true})
		}
		return backend.ContainerHandle{}, err
	}
	h.OwnsImage = owned
	return h, nil
}

func (e *Engine) destroy(ctx context.Context, drv backend.Driver, h backend.ContainerHandle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
	defer cancel()
	drv.Destroy(ctx, h)
}

// finish writes the terminal state of the execution record.
func (e *Engine) finish(inv *invocation, res model.ExecutionResult) {
	now := e.now().UTC()
	dur := int(res.Duration.Milliseconds())
	exec := &model.Execution{
		ID:         inv.id,
		FunctionID: inv.fn.ID,
		Status:     res.Status(),
		Backend:    inv.fn.Backend,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Error:      res.Error,
		ColdStart:  res.ColdStart,
		DurationMS: &dur,
		FinishedAt: &now,
	}
	if res.Error == "" || res.ExitCode != 0 {
		code := res.ExitCode
		exec.ExitCode = &code
	}
	if err := e.store.FinishExecution(context.Background(), exec); err != nil {
		e.logger.Error("failed to finish execution", "execution_id", inv.id, "error", err)
	}
}
