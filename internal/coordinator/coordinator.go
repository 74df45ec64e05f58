package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tilestream/internal/cache"
	"tilestream/internal/metrics"
	"tilestream/internal/tile"
)

const tracerName = "tilestream/internal/coordinator"

var (
	ErrInvalidConfig = errors.New("invalid coordinator config")
	ErrNoLODOverlap  = errors.New("configured LOD range does not overlap provider range")
)

// Config is validated once by New.
type Config struct {
	LOD                tile.LODRange
	BudgetBytes        int64
	MaxConcurrentLoads int
	// FetchTimeout bounds each provider call. Zero disables the deadline.
	FetchTimeout time.Duration
}

func (c Config) Validate() error {
	switch {
	case c.LOD.Min < 0:
		return fmt.Errorf("%w: min LOD %d is negative", ErrInvalidConfig, c.LOD.Min)
	case c.LOD.Max > tile.MaxLOD:
		return fmt.Errorf("%w: max LOD %d exceeds %d", ErrInvalidConfig, c.LOD.Max, tile.MaxLOD)
	case c.LOD.Empty():
		return fmt.Errorf("%w: min LOD %d exceeds max LOD %d", ErrInvalidConfig, c.LOD.Min, c.LOD.Max)
	case c.BudgetBytes <= 0:
		return fmt.Errorf("%w: budget must be positive, got %d", ErrInvalidConfig, c.BudgetBytes)
	case c.MaxConcurrentLoads < 1:
		return fmt.Errorf("%w: max concurrent loads must be at least 1, got %d", ErrInvalidConfig, c.MaxConcurrentLoads)
	case c.FetchTimeout < 0:
		return fmt.Errorf("%w: fetch timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

type Stats struct {
	Cache              cache.Stats   `json:"cache"`
	Queued             int           `json:"queued"`
	InFlight           int           `json:"in_flight"`
	MaxConcurrentLoads int           `json:"max_concurrent_loads"`
	LOD                tile.LODRange `json:"lod"`
}

// load is the shared state of every request waiting on one key.
type load struct {
	id       string
	key      tile.Key
	waiters  []tile.Sink
	inFlight bool
	// detached is set when a clear happens during the fetch; the result is then
	// delivered to later waiters only and never cached.
	detached bool
}

// Coordinator schedules tile loads against a provider and caches the results.
//
// Requests for a key that is already queued or in flight join that key's
// waiter group, so a key is fetched at most once at a time. At most
// MaxConcurrentLoads fetches run concurrently; queued keys are dispatched in
// FIFO order. Sinks are never called with the internal lock held.
type Coordinator struct {
	provider tile.Provider
	cache    *cache.LRU
	logger   *zap.Logger
	tracer   trace.Tracer
	lod      tile.LODRange
	tileSize int
	maxLoads int
	timeout  time.Duration

	mu     sync.Mutex
	queue  []*load
	loads  map[tile.Key]*load
	active int
	closed bool
	wg     sync.WaitGroup
}

// New validates cfg and builds a coordinator. The effective LOD window is the
// configured window intersected with the provider's supported range.
func New(provider tile.Provider, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	providerLOD := provider.LODRange()
	lod := cfg.LOD.Intersect(providerLOD)
	if lod.Empty() {
		return nil, fmt.Errorf("%w: configured %s, provider %s", ErrNoLODOverlap, cfg.LOD, providerLOD)
	}

	c := &Coordinator{
		provider: provider,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		lod:      lod,
		tileSize: provider.TileSize(),
		maxLoads: cfg.MaxConcurrentLoads,
		timeout:  cfg.FetchTimeout,
		loads:    make(map[tile.Key]*load),
	}

	lru, err := cache.NewLRU(cfg.BudgetBytes, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.cache = lru

	logger.Info("Tile coordinator initialized",
		zap.Stringer("lod", lod),
		zap.Int("tile_size", c.tileSize),
		zap.Int64("budget_bytes", cfg.BudgetBytes),
		zap.Int("max_concurrent_loads", cfg.MaxConcurrentLoads),
		zap.Duration("fetch_timeout", cfg.FetchTimeout),
	)

	return c, nil
}

func (c *Coordinator) onEvict(key tile.Key, size int64) {
	metrics.CacheEvictions.Inc()
	c.logger.Debug("Tile evicted", zap.Stringer("key", key), zap.Int64("size", size))
}

// LODRange returns the effective LOD window.
func (c *Coordinator) LODRange() tile.LODRange {
	return c.lod
}

// TileSize returns the provider's tile size in pixels.
func (c *Coordinator) TileSize() int {
	return c.tileSize
}

// Request asks for a tile. It never blocks on I/O. Out-of-range keys and cache
// hits are answered before Request returns; everything else is answered later
// from a fetch goroutine.
func (c *Coordinator) Request(key tile.Key, sink tile.Sink) {
	if sink == nil {
		sink = tile.SinkFuncs{}
	}

	if !c.lod.Contains(key.Z) {
		metrics.TileRequests.WithLabelValues(metrics.OutcomeOutOfRange).Inc()
		sink.OnFailure(fmt.Errorf("%w: LOD %d outside supported range %s", tile.ErrOutOfRange, key.Z, c.lod))
		return
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		metrics.TileRequests.WithLabelValues(metrics.OutcomeClosed).Inc()
		sink.OnFailure(tile.ErrClosed)
		return
	}

	if d, ok := c.cache.Get(key); ok {
		view := d.View()
		c.mu.Unlock()
		metrics.TileRequests.WithLabelValues(metrics.OutcomeHit).Inc()
		sink.OnSuccess(view)
		return
	}

	if ld, ok := c.loads[key]; ok {
		ld.waiters = append(ld.waiters, sink)
		c.mu.Unlock()
		metrics.TileRequests.WithLabelValues(metrics.OutcomeJoined).Inc()
		return
	}

	ld := &load{
		id:      uuid.NewString(),
		key:     key,
		waiters: []tile.Sink{sink},
	}
	c.loads[key] = ld
	c.queue = append(c.queue, ld)
	dispatch := c.drainLocked()
	c.updateGaugesLocked()
	c.mu.Unlock()

	metrics.TileRequests.WithLabelValues(metrics.OutcomeQueued).Inc()
	c.start(dispatch)
}

// Await is Request with the outcome delivered on a channel.
func (c *Coordinator) Await(key tile.Key) <-chan tile.Result {
	sink := tile.NewChanSink()
	c.Request(key, sink)
	return sink
}

// Load requests a tile and waits for it. Giving up on ctx does not withdraw
// the request; its outcome is still produced and dropped.
func (c *Coordinator) Load(ctx context.Context, key tile.Key) (*tile.Data, error) {
	select {
	case res := <-c.Await(key):
		return res.Data, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns a cached tile without scheduling a load.
func (c *Coordinator) Get(key tile.Key) (*tile.Data, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	return d.View(), true
}

// Clear cancels every queued request, cancels the waiters of in-flight
// fetches and empties the cache. In-flight fetches keep their slots until the
// provider returns; their results are not cached.
func (c *Coordinator) Clear() {
	c.mu.Lock()

	var cancelled []tile.Sink
	for _, ld := range c.queue {
		delete(c.loads, ld.key)
		cancelled = append(cancelled, ld.waiters...)
		ld.waiters = nil
	}
	c.queue = nil

	for _, ld := range c.loads {
		ld.detached = true
		cancelled = append(cancelled, ld.waiters...)
		ld.waiters = nil
	}

	c.cache.Clear()
	c.updateGaugesLocked()
	c.mu.Unlock()

	if len(cancelled) > 0 {
		c.logger.Info("Tile requests cancelled by clear", zap.Int("count", len(cancelled)))
	}
	for _, s := range cancelled {
		s.OnFailure(tile.ErrCancelled)
	}
}

// SetBudget changes the cache byte budget at runtime. Lowering it evicts least
// recently used tiles until the cache fits.
func (c *Coordinator) SetBudget(budgetBytes int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.cache.SetBudget(budgetBytes); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.updateGaugesLocked()

	s := c.cache.Stats()
	c.logger.Info("Tile cache budget changed",
		zap.Int64("budget_bytes", s.BudgetBytes),
		zap.Int64("used_bytes", s.UsedBytes),
		zap.Int("count", s.Count),
	)
	return nil
}

// Close stops admitting requests, fails queued ones with tile.ErrClosed and
// waits for running fetches to finish or ctx to end. Waiters of running
// fetches still receive their results.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true

	var failed []tile.Sink
	for _, ld := range c.queue {
		delete(c.loads, ld.key)
		failed = append(failed, ld.waiters...)
		ld.waiters = nil
	}
	c.queue = nil
	c.updateGaugesLocked()
	c.mu.Unlock()

	for _, s := range failed {
		s.OnFailure(tile.ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight tile loads: %w", ctx.Err())
	}

	c.mu.Lock()
	c.cache.Clear()
	c.updateGaugesLocked()
	c.mu.Unlock()

	return nil
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Cache:              c.cache.Stats(),
		Queued:             len(c.queue),
		InFlight:           c.active,
		MaxConcurrentLoads: c.maxLoads,
		LOD:                c.lod,
	}
}

// drainLocked moves queued loads in flight while slots are free.
func (c *Coordinator) drainLocked() []*load {
	var dispatch []*load
	for c.active < c.maxLoads && len(c.queue) > 0 {
		ld := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		ld.inFlight = true
		c.active++
		c.wg.Add(1)
		dispatch = append(dispatch, ld)
	}
	return dispatch
}

func (c *Coordinator) updateGaugesLocked() {
	s := c.cache.Stats()
	metrics.ActiveLoads.Set(float64(c.active))
	metrics.QueuedLoads.Set(float64(len(c.queue)))
	metrics.CacheBytes.Set(float64(s.UsedBytes))
	metrics.CacheEntries.Set(float64(s.Count))
}

func (c *Coordinator) start(dispatch []*load) {
	for _, ld := range dispatch {
		go c.fetch(ld)
	}
}

func (c *Coordinator) fetch(ld *load) {
	defer c.wg.Done()

	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "tile.fetch", trace.WithAttributes(
		attribute.Int("tile.x", ld.key.X),
		attribute.Int("tile.y", ld.key.Y),
		attribute.Int("tile.z", ld.key.Z),
		attribute.String("tile.load_id", ld.id),
	))

	c.logger.Debug("Fetching tile", zap.Stringer("key", ld.key), zap.String("load_id", ld.id))

	start := time.Now()
	d, err := c.callProvider(ctx, ld.key)
	elapsed := time.Since(start)
	metrics.FetchLatency.Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("Tile fetch failed",
			zap.Stringer("key", ld.key),
			zap.String("load_id", ld.id),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	} else {
		span.SetAttributes(attribute.Int64("tile.size", d.Size))
		span.SetStatus(codes.Ok, "")
		c.logger.Debug("Tile fetched",
			zap.Stringer("key", ld.key),
			zap.String("load_id", ld.id),
			zap.Int64("size", d.Size),
			zap.Duration("elapsed", elapsed),
		)
	}
	span.End()

	c.complete(ld, d, err)
}

// callProvider turns a missing payload or a provider panic into an error so
// that the waiters of the key are always answered.
func (c *Coordinator) callProvider(ctx context.Context, key tile.Key) (d *tile.Data, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("provider panic: %v", r)
		}
	}()

	d, err = c.provider.Fetch(ctx, key)
	if err != nil {
		if d != nil && d.Payload != nil {
			d.Payload.Release()
		}
		return nil, err
	}
	if d == nil || d.Payload == nil {
		return nil, fmt.Errorf("provider returned no data for %s", key)
	}

	d.Key = key
	if d.LoadedAt.IsZero() {
		d.LoadedAt = time.Now().UTC()
	}
	return d, nil
}

func (c *Coordinator) complete(ld *load, d *tile.Data, err error) {
	c.mu.Lock()

	c.active--
	if cur, ok := c.loads[ld.key]; ok && cur == ld {
		delete(c.loads, ld.key)
	}
	waiters := ld.waiters
	ld.waiters = nil

	var view *tile.Data
	result := metrics.ResultFailure
	if err == nil {
		view = d.View()
		if ld.detached || c.closed {
			d.Payload.Release()
			result = metrics.ResultDiscarded
		} else {
			c.cache.Put(d)
			result = metrics.ResultSuccess
		}
	}

	dispatch := c.drainLocked()
	c.updateGaugesLocked()
	c.mu.Unlock()

	metrics.TileLoads.WithLabelValues(result).Inc()
	c.start(dispatch)

	if err != nil {
		perr := &tile.ProviderError{Key: ld.key, Err: err}
		for _, s := range waiters {
			s.OnFailure(perr)
		}
		return
	}
	for _, s := range waiters {
		s.OnSuccess(view.View())
	}
}
