package shard

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/metric"
	"github.com/c360/pitwall/persistence"
)

// Config controls the store.
type Config struct {
	NumShards      int           // total shards in the cluster
	OwnedShards    []int         // shards hosted here; empty means all
	SnapshotEvery  int           // accepted events between snapshots
	PassivateAfter time.Duration // idle time before an entity is discarded; 0 keeps entities live
	AskTimeout     time.Duration // default round trip bound for Ask
	MailboxSize    int           // queued requests per entity
	PersistTimeout time.Duration // bound on each journal or snapshot call
}

// DefaultConfig returns the defaults used by a single-node deployment.
func DefaultConfig() Config {
	return Config{
		NumShards:      16,
		SnapshotEvery:  10,
		PassivateAfter: 2 * time.Minute,
		AskTimeout:     5 * time.Second,
		MailboxSize:    256,
		PersistTimeout: 5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.NumShards <= 0 {
		c.NumShards = d.NumShards
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = d.SnapshotEvery
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = d.AskTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
}

// Dependencies are the collaborators of a Store.
type Dependencies struct {
	Journal         persistence.Journal
	Snapshots       persistence.SnapshotStore
	Notifier        Notifier                // optional
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Asker sends a message to the entity that owns its key and waits for the reply.
type Asker interface {
	Ask(ctx context.Context, msg entity.Message) (entity.Reply, error)
}

// Stats summarises live entities.
type Stats struct {
	Shards   map[int]int `json:"shards"`
	Entities int         `json:"entities"`
}

// StatsSource reports store statistics.
type StatsSource interface {
	Stats(ctx context.Context) (Stats, error)
}

type shard struct {
	id       int
	label    string
	store    *Store
	mu       sync.Mutex
	entities map[string]*actor
}

// deliver enqueues req on the live instance for id, spawning one if needed.
// Spawning and enqueueing happen under the shard lock so at most one instance
// per id exists.
func (s *shard) deliver(id string, req request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.store.quit:
		return errors.WrapTransient(errors.ErrShuttingDown, "Store", "deliver", "store stopping")
	default:
	}

	a, ok := s.entities[id]
	if !ok {
		a = newActor(id, s)
		s.entities[id] = a
		s.store.metrics.setLive(s.label, len(s.entities))
		s.store.wg.Add(1)
		go func() {
			defer s.store.wg.Done()
			a.run()
		}()
	}

	select {
	case a.mailbox <- req:
		return nil
	default:
		return errors.WrapTransient(errors.ErrMailboxFull, "Store", "deliver", id)
	}
}

func (s *shard) remove(a *actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entities[a.id] == a {
		delete(s.entities, a.id)
		s.store.metrics.setLive(s.label, len(s.entities))
	}
}

func (s *shard) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Store hosts entity instances for its owned shards.
type Store struct {
	cfg       Config
	router    *Router
	journal   persistence.Journal
	snapshots persistence.SnapshotStore
	notifier  Notifier
	metrics   *storeMetrics
	logger    *slog.Logger

	shards map[int]*shard

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	quit        chan struct{}
	wg          sync.WaitGroup
}

var (
	_ Asker       = (*Store)(nil)
	_ StatsSource = (*Store)(nil)
)

// NewStore creates a store. It accepts messages once Start is called.
func NewStore(cfg Config, deps Dependencies) (*Store, error) {
	cfg.applyDefaults()
	if deps.Journal == nil || deps.Snapshots == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "NewStore", "journal and snapshot store required")
	}
	router, err := NewRouter(cfg.NumShards)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		cfg:       cfg,
		router:    router,
		journal:   deps.Journal,
		snapshots: deps.Snapshots,
		notifier:  deps.Notifier,
		logger:    logger.With("component", "shard-store"),
		shards:    make(map[int]*shard),
		quit:      make(chan struct{}),
	}

	owned := cfg.OwnedShards
	if len(owned) == 0 {
		for i := 0; i < cfg.NumShards; i++ {
			owned = append(owned, i)
		}
	}
	for _, id := range owned {
		if id < 0 || id >= cfg.NumShards {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Store", "NewStore",
				fmt.Sprintf("owned shard %d outside [0,%d)", id, cfg.NumShards))
		}
		s.shards[id] = &shard{id: id, label: strconv.Itoa(id), store: s, entities: make(map[string]*actor)}
	}

	if deps.MetricsRegistry != nil {
		m, err := newStoreMetrics(deps.MetricsRegistry)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}
	return s, nil
}

// Router returns the store's router.
func (s *Store) Router() *Router { return s.router }

// OwnedShards returns the hosted shard ids in ascending order.
func (s *Store) OwnedShards() []int {
	ids := make([]int, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Owns reports whether shard id is hosted here.
func (s *Store) Owns(id int) bool {
	_, ok := s.shards[id]
	return ok
}

// Start begins accepting messages.
func (s *Store) Start(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Store", "Start", "store already started")
	}
	if s.stopped {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Store", "Start", "store was stopped")
	}
	s.started = true
	s.logger.Info("Shard store started", "shards", s.OwnedShards(), "num_shards", s.cfg.NumShards)
	return nil
}

// Stop halts every entity and waits up to timeout for them to exit. Entity
// state is already persisted, so nothing is flushed.
func (s *Store) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	if !s.started || s.stopped {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.stopped = true

	// quit closes under every shard lock, so a deliver either enqueued before
	// the close, where the actor's drain sees it, or observes quit closed.
	ids := s.OwnedShards()
	for _, id := range ids {
		s.shards[id].mu.Lock()
	}
	close(s.quit)
	for _, id := range ids {
		s.shards[id].mu.Unlock()
	}
	s.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Shard store stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("entities still running after %s", timeout), "Store", "Stop", "wait for entities")
	}
}

func (s *Store) running() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.started && !s.stopped
}

// Ask routes msg to its entity and waits for the reply. The wait is bounded
// by ctx and the configured ask timeout; exceeding it yields
// errors.ErrAskTimeout, never a crash.
func (s *Store) Ask(ctx context.Context, msg entity.Message) (entity.Reply, error) {
	p, err := s.enqueue(ctx, msg)
	if err != nil {
		return nil, err
	}
	return p.wait()
}

// pending is a request sitting in an entity mailbox.
type pending struct {
	store  *Store
	id     string
	req    request
	cancel context.CancelFunc
}

// enqueue places msg in its entity's mailbox and returns without waiting.
// Requests enqueued in order for one entity are handled in that order.
func (s *Store) enqueue(ctx context.Context, msg entity.Message) (*pending, error) {
	id, shardID, err := s.router.Route(msg)
	if err != nil {
		s.metrics.message(kindOf(msg), "unroutable")
		return nil, err
	}
	sh, ok := s.shards[shardID]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnroutable, "Store", "Ask",
			fmt.Sprintf("shard %d not hosted here", shardID))
	}
	if !s.running() {
		return nil, errors.WrapTransient(errors.ErrNotStarted, "Store", "Ask", "store not running")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AskTimeout)
	req := request{ctx: ctx, msg: msg, reply: make(chan response, 1)}
	if err := sh.deliver(id, req); err != nil {
		cancel()
		s.metrics.message(msg.Kind(), "mailbox_full")
		return nil, err
	}
	return &pending{store: s, id: id, req: req, cancel: cancel}, nil
}

// wait blocks until the entity replies or the ask deadline passes.
func (p *pending) wait() (entity.Reply, error) {
	defer p.cancel()
	select {
	case resp := <-p.req.reply:
		return resp.reply, resp.err
	case <-p.req.ctx.Done():
		p.store.metrics.message(p.req.msg.Kind(), "timeout")
		return nil, errors.WrapTransient(errors.ErrAskTimeout, "Store", "Ask", p.id)
	}
}

// redeliver routes a request left in a passivated actor's mailbox.
func (s *Store) redeliver(req request) {
	select {
	case <-s.quit:
		req.respond(nil, errors.WrapTransient(errors.ErrShuttingDown, "Store", "redeliver", "store stopping"))
		return
	default:
	}
	id, shardID, err := s.router.Route(req.msg)
	if err != nil {
		req.respond(nil, err)
		return
	}
	if err := s.shards[shardID].deliver(id, req); err != nil {
		req.respond(nil, err)
	}
}

// Stats implements StatsSource.
func (s *Store) Stats(_ context.Context) (Stats, error) {
	out := Stats{Shards: make(map[int]int, len(s.shards))}
	for id, sh := range s.shards {
		n := sh.live()
		out.Shards[id] = n
		out.Entities += n
	}
	return out, nil
}

func kindOf(msg any) string {
	if m, ok := msg.(entity.Message); ok {
		return m.Kind()
	}
	return "unknown"
}
