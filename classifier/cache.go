// Package classifier keeps a trained digit classifier in memory and serves predictions.
package classifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"mnister/ml"
)

// DefaultTTL is how long a loaded model is served before it is re-read.
const DefaultTTL = 600 * time.Second

// SlotKey names the single cache slot.
const SlotKey = "model"

type State int

const (
	StateEmpty State = iota
	StateLoading
	StateReady
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Store is the persisted side of the cache. Quarantine takes the error of the
// corrupt Load and returns ml.ErrModelReplaced if the file changed since.
type Store interface {
	Load() (*ml.SVC, error)
	Quarantine(loadErr error) (string, error)
}

// Builder produces and persists a new model.
type Builder interface {
	Build(ctx context.Context) (*ml.SVC, error)
}

type Stats struct {
	Hits         int64
	Loads        int64
	Rebuilds     int64
	CorruptLoads int64
	Failures     int64
}

type Options struct {
	TTL time.Duration
	Log *zap.Logger
	// Now overrides the clock.
	Now func() time.Time
	// OnCorrupt is called with the load error whenever a corrupt model file is found.
	OnCorrupt func(ctx context.Context, err error)
}

type flight struct {
	done  chan struct{}
	model *ml.SVC
	err   error
}

// Cache holds at most one model. Expiry is checked lazily on access and at most one
// load/rebuild runs at a time; concurrent callers wait for it and share its result.
type Cache struct {
	store   Store
	builder Builder
	ttl     time.Duration
	now     func() time.Time
	log     *zap.Logger
	corrupt func(ctx context.Context, err error)

	mu       sync.Mutex
	model    *ml.SVC
	expires  time.Time
	inflight *flight
	stats    Stats
}

func NewCache(store Store, builder Builder, opt Options) *Cache {
	c := &Cache{
		store:   store,
		builder: builder,
		ttl:     opt.TTL,
		now:     opt.Now,
		log:     opt.Log,
		corrupt: opt.OnCorrupt,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// State reports the slot state at the current time.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(c.now())
}

func (c *Cache) stateLocked(now time.Time) State {
	switch {
	case c.inflight != nil:
		return StateLoading
	case c.model == nil:
		return StateEmpty
	case !now.Before(c.expires):
		return StateExpired
	default:
		return StateReady
	}
}

// Get returns the cached model, loading or rebuilding it when the slot is empty or
// expired. If ctx ends while waiting, Get returns ctx.Err() but the load carries on.
func (c *Cache) Get(ctx context.Context) (*ml.SVC, error) {
	c.mu.Lock()
	switch c.stateLocked(c.now()) {
	case StateReady:
		m := c.model
		c.stats.Hits++
		c.mu.Unlock()
		return m, nil
	case StateLoading:
		f := c.inflight
		c.mu.Unlock()
		return c.wait(ctx, f)
	case StateExpired:
		c.log.Debug("cached classifier expired", zap.String("key", SlotKey))
		c.model = nil
	}
	f := &flight{done: make(chan struct{})}
	c.inflight = f
	c.mu.Unlock()

	go c.run(context.WithoutCancel(ctx), f)
	return c.wait(ctx, f)
}

func (c *Cache) wait(ctx context.Context, f *flight) (*ml.SVC, error) {
	select {
	case <-f.done:
		return f.model, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) run(ctx context.Context, f *flight) {
	model, err := c.load(ctx)

	c.mu.Lock()
	f.model, f.err = model, err
	c.inflight = nil
	if err != nil {
		c.stats.Failures++
	} else {
		c.model = model
		c.expires = c.now().Add(c.ttl)
	}
	c.mu.Unlock()
	close(f.done)
}

// load is the Loading state: read the persisted model, rebuilding when it is missing
// or corrupt.
func (c *Cache) load(ctx context.Context) (*ml.SVC, error) {
	c.log.Info("loading classifier")
	model, err := c.store.Load()
	switch {
	case err == nil:
		c.count(func(s *Stats) { s.Loads++ })
		c.log.Info("classifier loaded")
		return model, nil
	case ml.IsKind(err, ml.KindModelNotFound):
		c.log.Warn("classifier not present, rebuilding")
	case ml.IsKind(err, ml.KindCorruptModel):
		c.count(func(s *Stats) { s.CorruptLoads++ })
		c.log.Error("classifier file is corrupt, rebuilding",
			zap.String("kind", ml.KindCorruptModel.String()),
			zap.Error(err))
		if c.corrupt != nil {
			c.corrupt(ctx, err)
		}
		dst, qerr := c.store.Quarantine(err)
		switch {
		case errors.Is(qerr, ml.ErrModelReplaced):
			c.log.Info("classifier file replaced since the corrupt read, reloading")
			if model, rerr := c.store.Load(); rerr == nil {
				c.count(func(s *Stats) { s.Loads++ })
				c.log.Info("classifier loaded")
				return model, nil
			}
		case qerr != nil:
			c.log.Error("quarantine corrupt classifier failed", zap.Error(qerr))
		default:
			c.log.Warn("corrupt classifier moved aside", zap.String("path", dst))
		}
	default:
		c.log.Error("classifier load failed", zap.Error(err))
		return nil, err
	}

	if c.builder == nil {
		return nil, err
	}
	model, berr := c.builder.Build(ctx)
	if berr != nil {
		c.log.Error("classifier rebuild failed",
			zap.String("kind", ml.KindOf(berr).String()),
			zap.Error(berr))
		return nil, berr
	}
	c.count(func(s *Stats) { s.Rebuilds++ })
	c.log.Info("rebuild complete")
	return model, nil
}

func (c *Cache) count(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

// Invalidate drops the cached model. A load already in flight is not affected.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.model = nil
	c.expires = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
