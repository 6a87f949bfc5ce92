package ingress

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/metric"
	"github.com/c360/pitwall/pkg/buffer"
	"github.com/c360/pitwall/pkg/worker"
	"github.com/c360/pitwall/shard"
)

// Config tunes the pipeline.
type Config struct {
	QueueCapacity   int                   // push queue size
	Overflow        buffer.OverflowPolicy // Block gives backpressure, DropNewest sheds load
	OfferTimeout    time.Duration         // longest an Offer waits on a full Block queue
	Workers         int
	DeliveryTimeout time.Duration // per-item ask to the entity store
	PollInterval    time.Duration // polling replay cadence
	BatchSize       int           // items per polling tick
	StopTimeout     time.Duration // bound for draining and stopping workers
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:   8192,
		Overflow:        buffer.Block,
		OfferTimeout:    time.Second,
		Workers:         8,
		DeliveryTimeout: 5 * time.Second,
		PollInterval:    50 * time.Millisecond,
		BatchSize:       1,
		StopTimeout:     5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = d.OfferTimeout
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
}

// Dependencies are the pipeline's collaborators.
type Dependencies struct {
	Sink            shard.Asker
	Fetchers        []Fetcher               // polled series
	MetricsRegistry *metric.MetricsRegistry // optional
	Observer        func(worker.Event)      // optional worker lifecycle hook
	Logger          *slog.Logger            // optional
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Mode          string           `json:"mode"`
	Delivered     int64            `json:"delivered"`
	Failed        int64            `json:"failed"`
	Discarded     int64            `json:"discarded"`
	QueueSize     int              `json:"queue_size"`
	QueueCapacity int              `json:"queue_capacity"`
	Workers       worker.PoolStats `json:"workers"`
}

// run is one materialized pipeline. It is never reused after teardown.
type run struct {
	mode       Mode
	queue      buffer.Buffer[Item] // push mode only
	pool       *worker.Pool[Item]
	feedCancel context.CancelFunc
	cancel     context.CancelFunc
	fed        chan struct{}
}

// Pipeline moves items into the entity store through a fixed worker pool,
// either from pushed offers or from a polled, time-ordered replay. At most
// one run exists at a time: Start tears the previous one down completely
// before building the next.
type Pipeline struct {
	cfg     Config
	deps    Dependencies
	logger  *slog.Logger
	metrics *pipelineMetrics

	mu      sync.Mutex // serializes Start and Stop
	current atomic.Pointer[run]

	delivered atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
}

// NewPipeline creates a stopped pipeline.
func NewPipeline(cfg Config, deps Dependencies) (*Pipeline, error) {
	cfg.applyDefaults()
	if deps.Sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewPipeline", "sink required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{cfg: cfg, deps: deps, logger: logger.With("component", "ingress-pipeline")}
	if deps.MetricsRegistry != nil {
		m, err := newPipelineMetrics(deps.MetricsRegistry)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	return p, nil
}

// Mode returns the active mode.
func (p *Pipeline) Mode() Mode {
	if r := p.current.Load(); r != nil {
		return r.mode
	}
	return ModeStopped
}

// Offer queues a pushed item. It waits at most OfferTimeout when the queue
// is full under the Block policy; a wait that runs out reports Dropped.
func (p *Pipeline) Offer(ctx context.Context, item Item) OfferResult {
	result := p.offer(ctx, item)
	p.metrics.offer(result)
	return result
}

func (p *Pipeline) offer(ctx context.Context, item Item) OfferResult {
	r := p.current.Load()
	if r == nil || r.mode != ModePush {
		return Closed
	}

	offerCtx, cancel := context.WithTimeout(ctx, p.cfg.OfferTimeout)
	defer cancel()

	err := r.queue.WriteWithContext(offerCtx, item)
	switch {
	case err == nil:
		return Accepted
	case stderrors.Is(err, buffer.ErrItemDropped):
		return Dropped
	case stderrors.Is(err, errors.ErrAlreadyStopped):
		return Closed
	case stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		p.logger.Debug("Offer timed out on full queue", "item", item.ID)
		return Dropped
	default:
		return Failed
	}
}

// Start tears down the current run and materializes a new one in mode.
// Starting ModeStopped is the same as Stop.
func (p *Pipeline) Start(ctx context.Context, mode Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.teardownLocked()
	if mode == ModeStopped {
		return nil
	}

	// runs outlive the caller's request
	base := context.WithoutCancel(ctx)
	r, err := p.build(base, mode)
	if err != nil {
		return err
	}
	p.current.Store(r)
	p.metrics.setMode(mode)
	p.logger.Info("Pipeline started", "mode", mode, "workers", p.cfg.Workers)
	return nil
}

// Stop tears down the current run. Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
	return nil
}

func (p *Pipeline) build(ctx context.Context, mode Mode) (*run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	feedCtx, feedCancel := context.WithCancel(runCtx)
	r := &run{mode: mode, cancel: cancel, feedCancel: feedCancel, fed: make(chan struct{})}

	opts := []worker.Option[Item]{
		worker.WithName[Item]("ingress"),
		worker.WithLogger[Item](p.logger),
		worker.WithMetricsRegistry[Item](p.deps.MetricsRegistry),
	}
	if p.deps.Observer != nil {
		opts = append(opts, worker.WithObserver[Item](p.deps.Observer))
	}
	pool, err := worker.NewPool(p.cfg.Workers, p.deliverer(mode), opts...)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "Pipeline", "Start", "create worker pool")
	}
	r.pool = pool

	if mode == ModePush {
		r.queue, err = buffer.NewCircularBuffer[Item](p.cfg.QueueCapacity,
			buffer.WithOverflowPolicy[Item](p.cfg.Overflow),
			buffer.WithMetrics[Item](p.deps.MetricsRegistry, "ingress_queue"),
			buffer.WithDropCallback[Item](p.discard),
		)
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, "Pipeline", "Start", "create push queue")
		}
	}

	if err := pool.Start(runCtx); err != nil {
		if r.queue != nil {
			_ = r.queue.Close()
		}
		cancel()
		return nil, errors.Wrap(err, "Pipeline", "Start", "start worker pool")
	}

	switch mode {
	case ModePush:
		go p.pump(feedCtx, r)
	case ModePolling:
		go p.replay(feedCtx, r)
	}
	return r, nil
}

// teardownLocked closes the queue, lets the feed drain for up to StopTimeout,
// cancels it, then stops the workers after their in-flight item.
func (p *Pipeline) teardownLocked() {
	r := p.current.Swap(nil)
	if r == nil {
		return
	}

	if r.queue != nil {
		_ = r.queue.Close()
	} else {
		r.feedCancel()
	}

	select {
	case <-r.fed:
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Warn("Pipeline feed did not drain in time, cancelling", "mode", r.mode)
	}
	r.feedCancel()
	<-r.fed

	if r.queue != nil {
		if left := r.queue.Size(); left > 0 {
			p.logger.Warn("Discarding undelivered items", "count", left)
			r.queue.Clear()
		}
	}
	if err := r.pool.Stop(p.cfg.StopTimeout); err != nil {
		p.logger.Warn("Worker pool stop", "error", err)
	}
	r.cancel()
	p.metrics.setMode(ModeStopped)
	p.logger.Info("Pipeline stopped", "mode", r.mode, "delivered", p.delivered.Load(), "failed", p.failed.Load())
}

// pump moves queued items into the worker pool until the queue is closed
// and drained or ctx ends.
func (p *Pipeline) pump(ctx context.Context, r *run) {
	defer close(r.fed)
	for {
		item, err := r.queue.ReadWithContext(ctx)
		if err != nil {
			return
		}
		if err := r.pool.Submit(ctx, item); err != nil {
			return
		}
	}
}

// replay preloads every series, merges them by event time and feeds the
// result into the pool one batch per tick.
func (p *Pipeline) replay(ctx context.Context, r *run) {
	defer close(r.fed)

	items := p.preload(ctx)
	limiter := rate.NewLimiter(rate.Every(p.cfg.PollInterval), 1)
	for batch := range slices.Chunk(items, p.cfg.BatchSize) {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		for _, item := range batch {
			if err := r.pool.Submit(ctx, item); err != nil {
				return
			}
		}
	}
	p.logger.Info("Polling replay finished", "items", len(items))
}

// preload fetches all series concurrently. A failing series contributes
// nothing; the rest are still replayed.
func (p *Pipeline) preload(ctx context.Context) []Item {
	series := make([][]Item, len(p.deps.Fetchers))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range p.deps.Fetchers {
		g.Go(func() error {
			items, err := f.Fetch(gctx)
			if err != nil {
				p.logger.Warn("Series fetch failed, continuing without it", "series", f.Name(), "error", err)
				return nil
			}
			p.metrics.fetch(f.Name(), len(items))
			series[i] = items
			return nil
		})
	}
	_ = g.Wait()

	var merged []Item
	for _, s := range series {
		merged = append(merged, s...)
	}
	slices.SortStableFunc(merged, func(a, b Item) int { return a.Time.Compare(b.Time) })
	p.logger.Debug("Series preloaded", "series", len(series), "items", len(merged))
	return merged
}

// deliverer asks the entity store for one item. Errors are returned so the
// pool counts them, but the worker still acks.
func (p *Pipeline) deliverer(mode Mode) worker.Processor[Item] {
	return func(ctx context.Context, item Item) error {
		msg, err := entity.Decode(item.Envelope)
		if err == nil {
			askCtx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
			_, err = p.deps.Sink.Ask(askCtx, msg)
			cancel()
		}

		p.metrics.deliver(mode, err)
		if err != nil {
			p.failed.Add(1)
			if errors.IsInvalid(err) {
				p.logger.Debug("Item rejected", "item", item.ID, "type", item.Type, "error", err)
			} else {
				p.logger.Warn("Item delivery failed", "item", item.ID, "type", item.Type, "error", err)
			}
			return err
		}
		p.delivered.Add(1)
		return nil
	}
}

// discard counts items the push queue rejected on overflow or cleared at
// teardown.
func (p *Pipeline) discard(item Item) {
	p.discarded.Add(1)
	p.metrics.discard(item.Type)
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Mode:      ModeStopped.String(),
		Delivered: p.delivered.Load(),
		Failed:    p.failed.Load(),
		Discarded: p.discarded.Load(),
	}
	if r := p.current.Load(); r != nil {
		st.Mode = r.mode.String()
		st.Workers = r.pool.Stats()
		if r.queue != nil {
			st.QueueSize = r.queue.Size()
			st.QueueCapacity = r.queue.Capacity()
		}
	}
	return st
}
