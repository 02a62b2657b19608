package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/workspace"
)

// State is the lifecycle state of a pool entry.
type State string

// Entry states.
const (
	StateCold     State = "cold"
	StateBuilding State = "building"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateFailed   State = "failed"
	StateStale    State = "stale"
)

const (
	defaultBuildTimeout   = 5 * time.Minute
	defaultDestroyTimeout = 30 * time.Second
)

// Key identifies a pool entry.
type Key struct {
	Language model.Language `json:"language"`
	Backend  model.Backend  `json:"backend"`
}

func (k Key) String() string {
	return string(k.Language) + "/" + string(k.Backend)
}

// Resolver returns the driver for a backend. *backend.Registry implements it.
type Resolver interface {
	Resolve(b model.Backend) (backend.Driver, error)
}

// Lease is exclusive use of a warm container until Release.
type Lease struct {
	Key       Key
	Container backend.ContainerHandle

	// Built is true when this acquisition triggered the build.
	Built bool

	gen uint64
}

// Options configures a Pool.
type Options struct {
	// WorkspaceDir is where warm build contexts are staged.
	WorkspaceDir string

	// BuildTimeout bounds one image build plus container creation.
	BuildTimeout time.Duration

	// DestroyTimeout bounds an asynchronous eviction.
	DestroyTimeout time.Duration
}

type entry struct {
	key Key

	mu       sync.Mutex
	state    State
	image    backend.ImageRef
	handle   backend.ContainerHandle
	lastUsed time.Time
	lastErr  error
	gen      uint64

	// builds numbers build attempts so each gets its own singleflight key.
	builds uint64

	// changed is closed and replaced on every state change.
	changed chan struct{}
}

// flightKey names the in-flight build. The caller holds e.mu.
func (e *entry) flightKey() string {
	return fmt.Sprintf("%s#%d", e.key, e.builds)
}

func (e *entry) setState(s State) {
	e.state = s
	close(e.changed)
	e.changed = make(chan struct{})
}

type buildResult struct {
	handle backend.ContainerHandle
	gen    uint64
}

// Pool manages warm containers keyed by language and backend.
type Pool struct {
	drivers Resolver
	opts    Options
	logger  *slog.Logger
	flight  singleflight.Group
	now     func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool

	// inflight counts running builds and evictions counts background
	// destroys. Both only grow while the pool is open.
	inflight  sync.WaitGroup
	evictions sync.WaitGroup
}

// New creates an empty pool.
func New(drivers Resolver, opts Options, logger *slog.Logger) *Pool {
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = defaultBuildTimeout
	}
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = defaultDestroyTimeout
	}
	return &Pool{
		drivers: drivers,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		entries: make(map[Key]*entry),
	}
}

// entry returns the entry for key, creating it cold on first use.
func (p *Pool) entry(key Key) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	e, ok := p.entries[key]
	if !ok {
		e = &entry{key: key, state: StateCold, changed: make(chan struct{})}
		p.entries[key] = e
	}
	return e, nil
}

// track adds one to wg unless the pool is closed.
func (p *Pool) track(wg *sync.WaitGroup) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	wg.Add(1)
	return true
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Acquire returns exclusive use of the warm container for key, building it
// when the key is cold or failed and waiting while it is being built or in
// use.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Lease, error) {
	return p.acquire(ctx, key, true)
}

// TryAcquire is like Acquire but returns a *NotReadyError instead of waiting
// when the key is being built or in use.
func (p *Pool) TryAcquire(ctx context.Context, key Key) (*Lease, error) {
	return p.acquire(ctx, key, false)
}

func (p *Pool) acquire(ctx context.Context, key Key, wait bool) (*Lease, error) {
	drv, err := p.drivers.Resolve(key.Backend)
	if err != nil {
		return nil, err
	}
	lc, err := backend.LookupLanguage(key.Language)
	if err != nil {
		return nil, err
	}
	e, err := p.entry(key)
	if err != nil {
		return nil, err
	}

	for {
		e.mu.Lock()
		switch e.state {
		case StateIdle:
			e.setState(StateBusy)
			lease := &Lease{Key: key, Container: e.handle, gen: e.gen}
			e.mu.Unlock()
			acquisitionsTotal.WithLabelValues(string(key.Language), string(key.Backend), acquireWarm).Inc()
			return lease, nil

		case StateCold, StateFailed:
			if !p.track(&p.inflight) {
				e.mu.Unlock()
				return nil, ErrClosed
			}
			e.builds++
			e.setState(StateBuilding)
			ch := p.flight.DoChan(e.flightKey(), func() (any, error) {
				defer p.inflight.Done()
				return p.build(e, drv, lc)
			})
			e.mu.Unlock()
			return p.awaitBuild(ctx, key, ch)

		case StateBuilding:
			if !wait {
				nr := &NotReadyError{Key: key, State: e.state, Image: e.image}
				e.mu.Unlock()
				acquisitionsTotal.WithLabelValues(string(key.Language), string(key.Backend), acquireNotReady).Inc()
				return nil, nr
			}
			// The build holds e.mu for its final transition, so while we
			// hold it the flight is still registered and this joins it.
			ch := p.flight.DoChan(e.flightKey(), func() (any, error) {
				return nil, errRecheck
			})
			e.mu.Unlock()
			select {
			case res := <-ch:
				if res.Err != nil && !errors.Is(res.Err, errRecheck) {
					return nil, res.Err
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		default: // busy, stale
			if !wait {
				nr := &NotReadyError{Key: key, State: e.state, Image: e.image}
				e.mu.Unlock()
				acquisitionsTotal.WithLabelValues(string(key.Language), string(key.Backend), acquireNotReady).Inc()
				return nil, nr
			}
			changed := e.changed
			e.mu.Unlock()
			select {
			case <-changed:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// awaitBuild waits for the build this caller started. The built container is
// already marked busy for this caller; if the caller gives up first, the
// container is released back to idle once the build lands.
func (p *Pool) awaitBuild(ctx context.Context, key Key, ch <-chan singleflight.Result) (*Lease, error) {
	toLease := func(res singleflight.Result) (*Lease, error) {
		if res.Err != nil {
			return nil, res.Err
		}
		br, ok := res.Val.(buildResult)
		if !ok {
			return nil, &PoolError{Key: key, Err: errRecheck}
		}
		acquisitionsTotal.WithLabelValues(string(key.Language), string(key.Backend), acquireBuilt).Inc()
		return &Lease{Key: key, Container: br.handle, Built: true, gen: br.gen}, nil
	}

	select {
	case res := <-ch:
		return toLease(res)
	case <-ctx.Done():
		go func() {
			if lease, err := toLease(<-ch); err == nil {
				p.Release(lease, true)
			}
		}()
		return nil, ctx.Err()
	}
}

// build runs BuildImage (when the key has no image yet) and
// CreateWarmContainer on a context detached from any caller, then moves the
// entry to busy on success or failed on error.
func (p *Pool) build(e *entry, drv backend.Driver, lc backend.LanguageConfig) (any, error) {
	key := e.key
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.BuildTimeout)
	defer cancel()

	start := p.now()
	p.logger.Info("building warm container", "pool_key", key.String())
	handle, err := p.buildContainer(ctx, e, drv, lc)
	buildDuration.WithLabelValues(string(key.Language), string(key.Backend)).Observe(time.Since(start).Seconds())

	if err == nil && p.isClosed() {
		dctx, dcancel := context.WithTimeout(context.Background(), p.opts.DestroyTimeout)
		drv.Destroy(dctx, handle)
		dcancel()
		p.logger.Info("destroyed container built during shutdown", "pool_key", key.String(), "container", handle.Name)

		e.mu.Lock()
		defer e.mu.Unlock()
		e.setState(StateCold)
		return nil, &PoolError{Key: key, Err: ErrClosed}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.lastErr = err
		e.setState(StateFailed)
		buildsTotal.WithLabelValues(string(key.Language), string(key.Backend), resultFailed).Inc()
		p.logger.Error("warm build failed", "pool_key", key.String(), "error", err)
		return nil, &PoolError{Key: key, Err: err}
	}

	e.gen++
	e.handle = handle
	e.lastErr = nil
	e.lastUsed = p.now()
	e.setState(StateBusy)
	buildsTotal.WithLabelValues(string(key.Language), string(key.Backend), resultSuccess).Inc()
	p.logger.Info("warm container ready",
		"pool_key", key.String(),
		"container", handle.Name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return buildResult{handle: handle, gen: e.gen}, nil
}

func (p *Pool) buildContainer(ctx context.Context, e *entry, drv backend.Driver, lc backend.LanguageConfig) (backend.ContainerHandle, error) {
	e.mu.Lock()
	img := e.image
	e.mu.Unlock()

	if img.IsZero() {
		ws, err := workspace.New(p.opts.WorkspaceDir, "warm", lc.Filename, lc.SampleCode)
		if err != nil {
			return backend.ContainerHandle{}, fmt.Errorf("stage warm build: %w", err)
		}
		defer func() {
			if err := ws.Remove(); err != nil {
				p.logger.Warn("failed to remove warm build workspace", "error", err)
			}
		}()

		img, err = drv.BuildImage(ctx, lc, ws.Dir(), lc.WarmTag(e.key.Backend))
		if err != nil {
			return backend.ContainerHandle{}, err
		}
		e.mu.Lock()
		e.image = img
		e.mu.Unlock()
	}

	handle, err := drv.CreateWarmContainer(ctx, img)
	if err != nil {
		// The image may have been removed out from under us; rebuild next time.
		e.mu.Lock()
		e.image = backend.ImageRef{}
		e.mu.Unlock()
		return backend.ContainerHandle{}, err
	}
	return handle, nil
}

// Release returns a lease. A healthy container goes back to idle; an
// unhealthy one is destroyed asynchronously and the entry reset to cold.
// Releasing a lease whose container was already evicted is a no-op.
func (p *Pool) Release(lease *Lease, healthy bool) {
	if lease == nil {
		return
	}
	p.mu.Lock()
	e, ok := p.entries[lease.Key]
	p.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != lease.gen || e.state != StateBusy {
		return
	}

	if healthy {
		e.lastUsed = p.now()
		e.setState(StateIdle)
		return
	}
	p.evictLocked(e, reasonUnhealthy)
}

// evictLocked marks e stale and destroys its container in the background.
// The caller holds e.mu.
func (p *Pool) evictLocked(e *entry, reason string) {
	drv, err := p.drivers.Resolve(e.key.Backend)
	if err != nil {
		p.logger.Error("cannot evict container", "pool_key", e.key.String(), "error", err)
		e.gen++
		e.handle = backend.ContainerHandle{}
		e.setState(StateCold)
		return
	}
	handle, gen := e.handle, e.gen
	e.setState(StateStale)
	evictionsTotal.WithLabelValues(string(e.key.Language), string(e.key.Backend), reason).Inc()
	p.logger.Info("evicting warm container", "pool_key", e.key.String(), "container", handle.Name, "reason", reason)

	if !p.track(&p.evictions) {
		// DestroyAll may already be waiting on evictions.
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.DestroyTimeout)
		defer cancel()
		drv.Destroy(ctx, handle)
		e.gen++
		e.handle = backend.ContainerHandle{}
		e.setState(StateCold)
		return
	}
	go func() {
		defer p.evictions.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.DestroyTimeout)
		defer cancel()
		drv.Destroy(ctx, handle)

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gen == gen && e.state == StateStale {
			e.gen++
			e.handle = backend.ContainerHandle{}
			e.setState(StateCold)
		}
	}()
}

// Warm builds the container for key if needed and leaves it idle.
func (p *Pool) Warm(ctx context.Context, key Key) error {
	lease, err := p.Acquire(ctx, key)
	if err != nil {
		return err
	}
	p.Release(lease, true)
	return nil
}

// Reap evicts idle containers unused for longer than maxIdle and returns how
// many were evicted.
func (p *Pool) Reap(maxIdle time.Duration) int {
	cutoff := p.now().Add(-maxIdle)
	n := 0
	for _, e := range p.list() {
		e.mu.Lock()
		if e.state == StateIdle && e.lastUsed.Before(cutoff) {
			p.evictLocked(e, reasonIdle)
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// DestroyAll closes the pool, waits for in-flight builds and destroys every
// container it holds. Leases still outstanding become no-ops on release.
func (p *Pool) DestroyAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if err := waitGroup(ctx, &p.inflight); err != nil {
		return fmt.Errorf("wait for builds: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range p.list() {
		e.mu.Lock()
		if e.state != StateIdle && e.state != StateBusy {
			e.mu.Unlock()
			continue
		}
		drv, err := p.drivers.Resolve(e.key.Backend)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("destroy %s: %w", e.key, err)
		}
		handle := e.handle
		e.gen++
		e.handle = backend.ContainerHandle{}
		e.setState(StateCold)
		e.mu.Unlock()

		evictionsTotal.WithLabelValues(string(e.key.Language), string(e.key.Backend), reasonShutdown).Inc()
		g.Go(func() error {
			drv.Destroy(gctx, handle)
			return nil
		})
	}
	err := g.Wait()

	if werr := waitGroup(ctx, &p.evictions); werr != nil {
		return fmt.Errorf("wait for evictions: %w", werr)
	}
	return err
}

// waitGroup waits for wg or until ctx is done.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) list() []*entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

// EntryInfo is a point-in-time view of one pool entry.
type EntryInfo struct {
	Key           Key        `json:"key"`
	State         State      `json:"state"`
	Image         string     `json:"image,omitempty"`
	ContainerID   string     `json:"container_id,omitempty"`
	ContainerName string     `json:"container_name,omitempty"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Snapshot returns the state of every entry, sorted by key.
func (p *Pool) Snapshot() []EntryInfo {
	entries := p.list()
	infos := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		info := EntryInfo{
			Key:           e.key,
			State:         e.state,
			Image:         e.image.Name(),
			ContainerID:   e.handle.ID,
			ContainerName: e.handle.Name,
		}
		if !e.lastUsed.IsZero() {
			t := e.lastUsed
			info.LastUsed = &t
		}
		if e.state == StateFailed && e.lastErr != nil {
			info.Error = e.lastErr.Error()
		}
		e.mu.Unlock()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key.String() < infos[j].Key.String()
	})
	return infos
}
