// Package worker provides a demand-driven worker pool with an explicit
// acknowledgement protocol
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pitwall/metric"
)

// Pool errors
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")

	// ErrProcessorPanic reaches the failure hook when a processor panicked.
	ErrProcessorPanic = errors.New("processor panicked")
)

// Processor handles one item. Its error is recorded but never stops the worker.
type Processor[T any] func(ctx context.Context, item T) error

type signalKind int

const (
	signalInit signalKind = iota
	signalItem
	signalComplete
)

type signal[T any] struct {
	kind signalKind
	item T
}

// EventKind identifies a worker lifecycle transition.
type EventKind int

const (
	WorkerStarted EventKind = iota
	WorkerStopped
)

func (k EventKind) String() string {
	if k == WorkerStarted {
		return "started"
	}
	return "stopped"
}

// Event is delivered to the observer on every worker lifecycle transition.
type Event struct {
	Pool   string
	Worker int
	Kind   EventKind
	At     time.Time
}

type worker[T any] struct {
	id    int
	inbox chan signal[T]
}

// Pool runs a fixed set of workers. A worker receives an init signal and
// answers with an acknowledgement, which is its demand for one item. Every
// processed item is acknowledged whether the processor succeeded, failed or
// panicked. A worker only exits on the stream-completed signal sent by Stop,
// or when the pool context is cancelled.
type Pool[T any] struct {
	name      string
	workers   int
	processor Processor[T]
	logger    *slog.Logger
	observer  func(Event)
	onFailure func(T, error)

	ready  chan *worker[T]
	done   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
	runCtx context.Context

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	busy      atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metrics         *poolMetrics
}

type poolMetrics struct {
	processed      *prometheus.CounterVec
	busy           prometheus.Gauge
	processingTime prometheus.Histogram
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithName sets the pool name used in logs, events and metric labels.
func WithName[T any](name string) Option[T] {
	return func(p *Pool[T]) { p.name = name }
}

// WithLogger sets the logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObserver registers a callback for worker start and stop events. It is
// called synchronously from the worker goroutine.
func WithObserver[T any](fn func(Event)) Option[T] {
	return func(p *Pool[T]) { p.observer = fn }
}

// WithFailureHook is called for every item whose processor returned an error
// or panicked.
func WithFailureHook[T any](fn func(item T, err error)) Option[T] {
	return func(p *Pool[T]) { p.onFailure = fn }
}

// WithMetricsRegistry exports pool metrics labelled with the pool name.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry) Option[T] {
	return func(p *Pool[T]) { p.metricsRegistry = registry }
}

// NewPool creates a pool with the given number of workers.
func NewPool[T any](workers int, processor Processor[T], opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 4
	}

	p := &Pool[T]{
		name:      "worker",
		workers:   workers,
		processor: processor,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker-pool", "pool", p.name)

	if p.metricsRegistry != nil {
		if err := p.initializeMetrics(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool[T]) initializeMetrics() error {
	labels := prometheus.Labels{"pool": p.name}
	m := &poolMetrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "worker", Name: "processed_total",
			Help: "Items processed by outcome", ConstLabels: labels,
		}, []string{"status"}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitwall", Subsystem: "worker", Name: "busy",
			Help: "Workers currently processing an item", ConstLabels: labels,
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pitwall", Subsystem: "worker", Name: "processing_duration_seconds",
			Help:        "Time spent processing one item",
			Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			ConstLabels: labels,
		}),
	}

	service := "worker_" + p.name
	if err := p.metricsRegistry.RegisterCounterVec(service, "processed_total", m.processed); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterGauge(service, "busy", m.busy); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterHistogram(service, "processing_duration_seconds", m.processingTime); err != nil {
		return err
	}
	p.metrics = m
	return nil
}

// unregisterMetrics frees the pool's metric names so a replacement pool with
// the same name can register them.
func (p *Pool[T]) unregisterMetrics() {
	if p.metrics == nil {
		return
	}
	service := "worker_" + p.name
	for _, name := range []string{"processed_total", "busy", "processing_duration_seconds"} {
		p.metricsRegistry.Unregister(service, name)
	}
}

// Start launches the workers and performs the init handshake with each.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.ready = make(chan *worker[T], p.workers)
	p.done = make(chan struct{})

	for i := 0; i < p.workers; i++ {
		w := &worker[T]{id: i, inbox: make(chan signal[T], 1)}
		p.wg.Add(1)
		go p.run(w)
		w.inbox <- signal[T]{kind: signalInit}
	}

	p.started = true
	p.logger.Debug("Worker pool started", "workers", p.workers)
	return nil
}

// Submit hands item to the next worker that has signalled demand, waiting
// until one does, ctx ends, or the pool stops.
func (p *Pool[T]) Submit(ctx context.Context, item T) error {
	p.lifecycleMu.Lock()
	started, stopped := p.started, p.stopped
	ready, done := p.ready, p.done
	p.lifecycleMu.Unlock()

	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolStopped
	}

	select {
	case w := <-ready:
		p.submitted.Add(1)
		w.inbox <- signal[T]{kind: signalItem, item: item}
		return nil
	case <-done:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) run(w *worker[T]) {
	defer p.wg.Done()
	p.emit(w.id, WorkerStarted)
	defer p.emit(w.id, WorkerStopped)

	for {
		select {
		case <-p.runCtx.Done():
			return
		case sig := <-w.inbox:
			switch sig.kind {
			case signalInit:
				p.ready <- w
			case signalItem:
				p.process(sig.item)
				p.ready <- w
			case signalComplete:
				return
			}
		}
	}
}

func (p *Pool[T]) process(item T) {
	p.busy.Add(1)
	if p.metrics != nil {
		p.metrics.busy.Inc()
	}
	start := time.Now()

	err := p.invoke(item)

	p.busy.Add(-1)
	p.processed.Add(1)
	status := "success"
	if err != nil {
		status = "error"
		p.failed.Add(1)
		if p.onFailure != nil {
			p.onFailure(item, err)
		}
	}
	if p.metrics != nil {
		p.metrics.busy.Dec()
		p.metrics.processed.WithLabelValues(status).Inc()
		p.metrics.processingTime.Observe(time.Since(start).Seconds())
	}
}

func (p *Pool[T]) invoke(item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("Processor panicked", "panic", r)
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return p.processor(p.runCtx, item)
}

func (p *Pool[T]) emit(id int, kind EventKind) {
	if p.observer != nil {
		p.observer(Event{Pool: p.name, Worker: id, Kind: kind, At: time.Now()})
	}
}

// Stop sends the stream-completed signal to every worker once it has
// acknowledged its current item, then waits for all of them to exit. If that
// takes longer than timeout the pool context is cancelled and ErrStopTimeout
// is returned after the workers are gone. Stop is idempotent.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.done)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut bool
	for completed := 0; completed < p.workers && !timedOut; {
		select {
		case w := <-p.ready:
			w.inbox <- signal[T]{kind: signalComplete}
			completed++
		case <-timer.C:
			timedOut = true
		}
	}

	if timedOut {
		p.cancel()
	}
	p.wg.Wait()
	p.cancel()
	p.unregisterMetrics()

	p.logger.Debug("Worker pool stopped", "processed", p.processed.Load(), "timed_out", timedOut)
	if timedOut {
		return ErrStopTimeout
	}
	return nil
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Busy:      p.busy.Load(),
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers   int   `json:"workers"`
	Busy      int64 `json:"busy"`
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
}
