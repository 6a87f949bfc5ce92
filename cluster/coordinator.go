package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/metric"
	"github.com/c360/pitwall/persistence"
	"github.com/c360/pitwall/pkg/retry"
	"github.com/c360/pitwall/shard"
)

// PersistenceID is the journal id of the coordinator.
const PersistenceID = "cluster-coordinator"

// ListenerPath identifies the supervised membership listener in OnTerminated.
const ListenerPath = "coordinator/membership-listener"

// Journaled coordinator events
const (
	EventShardCountReported        = "shard_count_reported"
	EventIngressConnectionRecorded = "ingress_connection_recorded"
	EventIngressConnectionRemoved  = "ingress_connection_removed"
)

type coordinatorEvent struct {
	Count int       `json:"count,omitempty"`
	Path  string    `json:"path,omitempty"`
	At    time.Time `json:"at"`
}

type coordinatorState struct {
	HasShard    bool      `json:"has_shard"`
	ShardCount  int       `json:"shard_count"`
	LastChanged time.Time `json:"last_changed"`
	Producers   []string  `json:"producers"`
}

func (s *coordinatorState) apply(kind string, ev coordinatorEvent) error {
	switch kind {
	case EventShardCountReported:
		s.ShardCount = ev.Count
		if has := ev.Count > 0; has != s.HasShard {
			s.HasShard = has
			s.LastChanged = ev.At
		}
	case EventIngressConnectionRecorded:
		if !slices.Contains(s.Producers, ev.Path) {
			s.Producers = append(s.Producers, ev.Path)
			slices.Sort(s.Producers)
		}
	case EventIngressConnectionRemoved:
		s.Producers = slices.DeleteFunc(s.Producers, func(p string) bool { return p == ev.Path })
	default:
		return errors.WrapInvalid(errors.ErrUnknownMessage, "Coordinator", "apply", kind)
	}
	return nil
}

// Status is the coordinator's view of the cluster.
type Status struct {
	HasShard    bool        `json:"has_shard"`
	ShardCount  int         `json:"shard_count"`
	LastChanged time.Time   `json:"last_changed"`
	Producers   []string    `json:"producers"`
	Stats       shard.Stats `json:"stats"`
	StatsStale  bool        `json:"stats_stale"`
}

// CoordinatorConfig tunes the coordinator.
type CoordinatorConfig struct {
	SnapshotEvery  int
	StatsTimeout   time.Duration
	PersistTimeout time.Duration
	Resolve        retry.Config
}

// DefaultCoordinatorConfig returns production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		SnapshotEvery:  10,
		StatsTimeout:   2 * time.Second,
		PersistTimeout: 5 * time.Second,
		Resolve:        retry.Resolve(),
	}
}

// CoordinatorDependencies are the coordinator's collaborators.
type CoordinatorDependencies struct {
	Journal         persistence.Journal
	Snapshots       persistence.SnapshotStore
	Resolver        Resolver
	Watcher         Watcher
	Stats           shard.StatsSource       // optional
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

type registration struct {
	ref    ProducerRef
	cancel func()
}

type coordinatorMetrics struct {
	available prometheus.Gauge
	producers prometheus.Gauge
	notices   *prometheus.CounterVec
}

// Coordinator is the single authority on shard availability and the
// registry of ingress producers. All state changes run on its own
// goroutine, one message at a time, and are journaled before they take
// effect.
type Coordinator struct {
	cfg  CoordinatorConfig
	deps CoordinatorDependencies

	// owned by the run goroutine
	state         coordinatorState
	registry      map[string]registration
	seq           uint64
	sinceSnapshot int

	inbox   chan func()
	quit    chan struct{}
	done    chan struct{}
	metrics *coordinatorMetrics
	logger  *slog.Logger

	statsMu   sync.Mutex
	lastStats shard.Stats

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// NewCoordinator creates a coordinator. Start recovers it.
func NewCoordinator(cfg CoordinatorConfig, deps CoordinatorDependencies) (*Coordinator, error) {
	d := DefaultCoordinatorConfig()
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = d.SnapshotEvery
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = d.StatsTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = d.PersistTimeout
	}
	if cfg.Resolve.MaxAttempts == 0 {
		cfg.Resolve = d.Resolve
	}
	if deps.Journal == nil || deps.Snapshots == nil || deps.Resolver == nil || deps.Watcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Coordinator", "NewCoordinator",
			"journal, snapshots, resolver and watcher required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:      cfg,
		deps:     deps,
		registry: make(map[string]registration),
		inbox:    make(chan func(), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.With("component", "coordinator"),
	}

	if deps.MetricsRegistry != nil {
		if err := c.registerMetrics(deps.MetricsRegistry); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Coordinator) registerMetrics(registry *metric.MetricsRegistry) error {
	m := &coordinatorMetrics{
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitwall", Subsystem: "coordinator", Name: "shard_available",
			Help: "1 when at least one shard node is up",
		}),
		producers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitwall", Subsystem: "coordinator", Name: "producers",
			Help: "Registered ingress producers",
		}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "coordinator", Name: "notices_total",
			Help: "Notices sent to producers by kind",
		}, []string{"kind"}),
	}
	if err := registry.RegisterGauge("coordinator", "shard_available", m.available); err != nil {
		return err
	}
	if err := registry.RegisterGauge("coordinator", "producers", m.producers); err != nil {
		return err
	}
	if err := registry.RegisterCounterVec("coordinator", "notices", m.notices); err != nil {
		return err
	}
	c.metrics = m
	return nil
}

func (c *Coordinator) observe() {
	if c.metrics == nil {
		return
	}
	if c.state.HasShard {
		c.metrics.available.Set(1)
	} else {
		c.metrics.available.Set(0)
	}
	c.metrics.producers.Set(float64(len(c.registry)))
}

// Start recovers persisted state, re-contacts known producers and begins
// processing messages.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Coordinator", "Start", "coordinator already started")
	}

	if err := c.recover(ctx); err != nil {
		return err
	}
	c.reconnect(ctx)
	c.observe()

	c.started = true
	go c.run()
	c.logger.Info("Coordinator started", "has_shard", c.state.HasShard, "producers", len(c.registry))
	return nil
}

// Stop ends message processing. Pending callers receive a shutdown error.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	if !c.started || c.stopped {
		c.lifecycleMu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.quit)
	c.lifecycleMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("coordinator still running after %s", timeout), "Coordinator", "Stop", "wait")
	}
	for _, reg := range c.registry {
		reg.cancel()
	}
	c.logger.Info("Coordinator stopped")
	return nil
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case fn := <-c.inbox:
			fn()
		}
	}
}

// call runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) call(ctx context.Context, op string, fn func()) error {
	done := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(done) }:
	case <-c.quit:
		return errors.WrapTransient(errors.ErrShuttingDown, "Coordinator", op, "coordinator stopping")
	case <-ctx.Done():
		return errors.WrapTransient(errors.ErrAskTimeout, "Coordinator", op, "enqueue")
	}
	select {
	case <-done:
		return nil
	case <-c.quit:
		return errors.WrapTransient(errors.ErrShuttingDown, "Coordinator", op, "coordinator stopping")
	case <-ctx.Done():
		return errors.WrapTransient(errors.ErrAskTimeout, "Coordinator", op, "reply")
	}
}

func (c *Coordinator) recover(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
	defer cancel()

	snap, ok, err := c.deps.Snapshots.Load(ctx, PersistenceID)
	if err != nil {
		return errors.WrapTransient(errors.ErrRecoveryFailed, "Coordinator", "recover", err.Error())
	}
	if ok {
		if err := json.Unmarshal(snap.Data, &c.state); err != nil {
			return errors.WrapFatal(errors.ErrDataCorrupted, "Coordinator", "recover", "snapshot: "+err.Error())
		}
		c.seq = snap.Sequence
	}

	err = c.deps.Journal.Replay(ctx, PersistenceID, c.seq+1, func(rec persistence.Record) error {
		var ev coordinatorEvent
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return err
		}
		if err := c.state.apply(rec.Type, ev); err != nil {
			return err
		}
		c.seq = rec.Sequence
		c.sinceSnapshot++
		return nil
	})
	if err != nil {
		return errors.WrapTransient(errors.ErrRecoveryFailed, "Coordinator", "recover", "replay: "+err.Error())
	}
	return nil
}

// reconnect resolves every producer known before the restart. Resolved
// producers are watched again and told the current availability plus a
// recheck; the rest are dropped.
func (c *Coordinator) reconnect(ctx context.Context) {
	for _, path := range slices.Clone(c.state.Producers) {
		ref, err := retry.DoWithResult(ctx, c.cfg.Resolve, func() (ProducerRef, error) {
			return c.deps.Resolver.Resolve(ctx, path)
		})
		if err != nil {
			c.logger.Warn("Dropping unreachable producer", "path", path, "error", err)
			if err := c.persist(ctx, EventIngressConnectionRemoved, coordinatorEvent{Path: path}); err != nil {
				c.logger.Error("Persist producer removal failed", "path", path, "error", err)
			}
			continue
		}
		c.track(ref)
		c.tell(ctx, ref, AvailabilityNotice(c.availability()))
		c.tell(ctx, ref, Notice{Kind: NoticeRecheck, Version: c.seq, At: time.Now().UTC()})
	}
}

// persist journals one event and applies it.
func (c *Coordinator) persist(ctx context.Context, kind string, ev coordinatorEvent) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
	defer cancel()

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err, "Coordinator", "persist", kind)
	}
	rec := persistence.Record{
		PersistenceID: PersistenceID,
		Sequence:      c.seq + 1,
		Type:          kind,
		Data:          data,
		RecordID:      uuid.NewString(),
		Timestamp:     ev.At,
	}
	if err := c.deps.Journal.Append(ctx, rec); err != nil {
		return err
	}
	if err := c.state.apply(kind, ev); err != nil {
		return err
	}
	c.seq = rec.Sequence
	c.sinceSnapshot++
	if c.sinceSnapshot >= c.cfg.SnapshotEvery {
		c.snapshot(ctx)
	}
	return nil
}

func (c *Coordinator) snapshot(ctx context.Context) {
	data, err := json.Marshal(c.state)
	if err != nil {
		return
	}
	err = c.deps.Snapshots.Save(ctx, persistence.Snapshot{
		PersistenceID: PersistenceID, Sequence: c.seq, Data: data, Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Warn("Coordinator snapshot failed", "sequence", c.seq, "error", err)
		return
	}
	c.sinceSnapshot = 0
}

func (c *Coordinator) track(ref ProducerRef) {
	path := ref.Path()
	if reg, ok := c.registry[path]; ok {
		reg.cancel()
	}
	cancel := c.deps.Watcher.Watch(path, func() { c.OnTerminated(path) })
	c.registry[path] = registration{ref: ref, cancel: cancel}
}

// availability stamps the current availability with the journal sequence.
// Every change is journaled first, so the sequence orders what producers see.
func (c *Coordinator) availability() Availability {
	return Availability{Available: c.state.HasShard, Version: c.seq}
}

func (c *Coordinator) tell(ctx context.Context, ref ProducerRef, n Notice) {
	if err := ref.Tell(ctx, n); err != nil {
		c.logger.Warn("Notice delivery failed", "path", ref.Path(), "kind", n.Kind, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.notices.WithLabelValues(string(n.Kind)).Inc()
	}
}

// ReportShardCount records the number of shard nodes. When availability
// flips, every registered producer is told; otherwise nothing is sent.
func (c *Coordinator) ReportShardCount(ctx context.Context, count int) error {
	var opErr error
	err := c.call(ctx, "ReportShardCount", func() {
		if count == c.state.ShardCount {
			return
		}
		was := c.state.HasShard
		if opErr = c.persist(ctx, EventShardCountReported, coordinatorEvent{Count: count}); opErr != nil {
			c.logger.Error("Persist shard count failed", "count", count, "error", opErr)
			return
		}
		c.observe()
		if c.state.HasShard == was {
			return
		}
		c.logger.Info("Shard availability changed", "available", c.state.HasShard, "count", count,
			"producers", len(c.registry))
		notice := AvailabilityNotice(c.availability())
		for _, path := range sortedPaths(c.registry) {
			c.tell(ctx, c.registry[path].ref, notice)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// RegisterProducer records ref, watches it and returns the current availability.
func (c *Coordinator) RegisterProducer(ctx context.Context, ref ProducerRef) (Availability, error) {
	var (
		available Availability
		opErr     error
	)
	err := c.call(ctx, "RegisterProducer", func() {
		if opErr = c.persist(ctx, EventIngressConnectionRecorded, coordinatorEvent{Path: ref.Path()}); opErr != nil {
			c.logger.Error("Persist producer registration failed", "path", ref.Path(), "error", opErr)
			return
		}
		c.track(ref)
		c.observe()
		available = c.availability()
		c.logger.Info("Producer registered", "path", ref.Path(), "available", available.Available,
			"version", available.Version)
	})
	if err != nil {
		return Availability{}, err
	}
	return available, opErr
}

// OnTerminated handles the death of a watched ref. It never blocks the caller.
func (c *Coordinator) OnTerminated(path string) {
	if path == ListenerPath {
		c.logger.Warn("Membership listener terminated; supervisor will restart it")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
		defer cancel()
		err := c.call(ctx, "OnTerminated", func() {
			reg, ok := c.registry[path]
			if !ok {
				return
			}
			reg.cancel()
			delete(c.registry, path)
			if err := c.persist(ctx, EventIngressConnectionRemoved, coordinatorEvent{Path: path}); err != nil {
				c.logger.Error("Persist producer removal failed", "path", path, "error", err)
			}
			c.observe()
			c.logger.Info("Producer removed", "path", path)
		})
		if err != nil {
			c.logger.Debug("Termination not processed", "path", path, "error", err)
		}
	}()
}

// Available reports the current availability.
func (c *Coordinator) Available(ctx context.Context) (bool, error) {
	var available bool
	err := c.call(ctx, "Available", func() { available = c.state.HasShard })
	return available, err
}

// Status returns the coordinator state plus store statistics. Statistics
// come from an ask with a timeout; on failure the last known values are
// returned and marked stale.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, "Status", func() {
		st = Status{
			HasShard:    c.state.HasShard,
			ShardCount:  c.state.ShardCount,
			LastChanged: c.state.LastChanged,
			Producers:   sortedPaths(c.registry),
		}
	})
	if err != nil {
		return Status{}, err
	}

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if c.deps.Stats == nil {
		st.Stats, st.StatsStale = c.lastStats, true
		return st, nil
	}
	statsCtx, cancel := context.WithTimeout(ctx, c.cfg.StatsTimeout)
	defer cancel()
	stats, err := c.deps.Stats.Stats(statsCtx)
	if err != nil {
		c.logger.Debug("Stats unavailable, using last known", "error", err)
		st.Stats, st.StatsStale = c.lastStats, true
		return st, nil
	}
	c.lastStats = stats
	st.Stats = stats
	return st, nil
}

func sortedPaths(registry map[string]registration) []string {
	paths := make([]string, 0, len(registry))
	for p := range registry {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}
