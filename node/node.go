package node

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/pitwall/cluster"
	"github.com/c360/pitwall/config"
	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/health"
	"github.com/c360/pitwall/ingress"
	"github.com/c360/pitwall/metric"
	"github.com/c360/pitwall/natsclient"
	"github.com/c360/pitwall/persistence"
	"github.com/c360/pitwall/pkg/buffer"
	"github.com/c360/pitwall/pkg/tlsutil"
	"github.com/c360/pitwall/pubsub"
	"github.com/c360/pitwall/shard"
)

// Dependencies are optional collaborators. Anything left nil is built from
// the configuration.
type Dependencies struct {
	Bus             pubsub.Bus // replaces the bus derived from nats.urls
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

type stopFunc struct {
	name string
	fn   func(timeout time.Duration) error
}

// Node is one pitwall process. The parts it runs follow its roles: shard
// nodes host entities, the coordinator node tracks availability, ingress
// nodes run the producer and api nodes serve reads.
type Node struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	monitor *health.Monitor

	nats      *natsclient.Client
	bus       pubsub.Bus
	journal   persistence.Journal
	snapshots persistence.SnapshotStore

	router   *shard.Router
	store    *shard.Store
	asker    shard.Asker
	view     *shard.LatestView
	coord    *cluster.Coordinator
	client   *cluster.CoordinatorClient
	pipeline *ingress.Pipeline
	producer *ingress.Producer
	ingest   *ingress.WebSocketHandler
	http     *metric.Server

	stops  []stopFunc
	cancel context.CancelFunc
	group  *errgroup.Group
	done   <-chan struct{}

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// New validates cfg and prepares a node. Nothing connects until Start.
func New(cfg *config.Config, deps Dependencies) (*Node, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Node", "New", "config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Node", "New", "validate config")
	}
	router, err := shard.NewRouter(cfg.Store.NumShards)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := deps.MetricsRegistry
	if registry == nil {
		registry = metric.NewMetricsRegistry()
	}

	return &Node{
		cfg:     cfg,
		logger:  logger.With("node", cfg.Node.ID),
		metrics: registry,
		monitor: health.NewMonitor(),
		bus:     deps.Bus,
		router:  router,
		done:    make(chan struct{}),
	}, nil
}

// Start brings up every part the node's roles call for, in dependency
// order. On failure the parts already started are stopped again.
func (n *Node) Start(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	if n.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Node", "Start", "node already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)
	n.cancel, n.group, n.done = cancel, group, groupCtx.Done()

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"transport", n.startTransport},
		{"persistence", n.startPersistence},
		{"shard", n.startShard},
		{"routing", n.startRouting},
		{"coordinator", n.startCoordinator},
		{"api", n.startAPI},
		{"ingress", n.startIngress},
		{"http", n.startHTTP},
		{"membership", n.startMembership},
	}

	for _, step := range steps {
		n.logger.Debug("Starting node part", "part", step.name)
		if err := step.fn(groupCtx); err != nil {
			n.logger.Error("Node part failed to start", "part", step.name, "error", err)
			_ = n.stopAll(5 * time.Second)
			cancel()
			_ = group.Wait()
			n.stopped = true
			return fmt.Errorf("start %s: %w", step.name, err)
		}
	}

	n.started = true
	n.logger.Info("Node started", "roles", n.cfg.Node.Roles, "http", n.HTTPAddress())
	return nil
}

// Done is closed when a background part fails or the node stops.
func (n *Node) Done() <-chan struct{} {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	return n.done
}

// Stop stops every part in reverse start order and returns the first
// background failure, if any, joined with stop errors.
func (n *Node) Stop(timeout time.Duration) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	if !n.started || n.stopped {
		return nil
	}
	n.stopped = true

	stopErr := n.stopAll(timeout)
	n.cancel()
	runErr := n.group.Wait()
	n.logger.Info("Node stopped")
	return stderrors.Join(runErr, stopErr)
}

// Run starts the node, waits for ctx to end or a background part to fail,
// then stops it.
func (n *Node) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		n.logger.Info("Shutdown requested")
	case <-n.Done():
		n.logger.Error("Background part failed, shutting down")
	}
	return n.Stop(shutdownTimeout)
}

func (n *Node) onStop(name string, fn func(timeout time.Duration) error) {
	n.stops = append(n.stops, stopFunc{name: name, fn: fn})
}

func (n *Node) stopAll(timeout time.Duration) error {
	var errs []error
	for i := len(n.stops) - 1; i >= 0; i-- {
		s := n.stops[i]
		start := time.Now()
		if err := s.fn(timeout); err != nil {
			n.logger.Error("Node part stop failed", "part", s.name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", s.name, err))
			continue
		}
		n.logger.Debug("Node part stopped", "part", s.name, "duration_ms", time.Since(start).Milliseconds())
	}
	n.stops = nil
	return stderrors.Join(errs...)
}

func (n *Node) has(role pubsub.Role) bool { return n.cfg.HasRole(role) }

func (n *Node) startTransport(ctx context.Context) error {
	if n.bus != nil {
		return nil
	}
	if len(n.cfg.NATS.URLs) == 0 {
		n.bus = pubsub.NewMemoryBus(n.logger)
		return nil
	}

	nc := n.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName("pitwall-" + n.cfg.Node.ID),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait),
		natsclient.WithTimeout(nc.Timeout),
		natsclient.WithCredentials(nc.Username, nc.Password),
		natsclient.WithToken(nc.Token),
		natsclient.WithLogger(n.logger),
		natsclient.WithMetrics(n.metrics),
	}
	if nc.TLS != nil {
		tlsConfig, err := tlsutil.LoadClientConfig(*nc.TLS)
		if err != nil {
			return err
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}
	client, err := natsclient.NewClient(strings.Join(nc.URLs, ","), opts...)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return errors.WrapTransient(err, "Node", "startTransport", "connect to NATS")
	}
	n.nats = client
	n.bus = pubsub.NewNATSBus(client)
	n.monitor.Register("nats", health.CheckerFunc(func() health.Status {
		status := client.Status()
		if status == natsclient.StatusConnected {
			return health.NewHealthy("nats", status.String())
		}
		return health.NewUnhealthy("nats", status.String())
	}))
	n.onStop("nats", func(timeout time.Duration) error {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return client.Close(closeCtx)
	})
	return nil
}

func (n *Node) startPersistence(ctx context.Context) error {
	if !n.has(pubsub.RoleShard) && !n.has(pubsub.RoleCoordinator) {
		return nil
	}

	var (
		journal   persistence.Journal
		snapshots persistence.SnapshotStore
	)
	switch n.cfg.Persistence.Backend {
	case config.BackendJetStream:
		if n.nats == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "startPersistence",
				"jetstream backend requires a NATS connection")
		}
		jsCfg := persistence.JetStreamConfig{
			Stream:   n.cfg.Persistence.JournalStream,
			Bucket:   n.cfg.Persistence.SnapshotBucket,
			Replicas: n.cfg.Persistence.Replicas,
			Logger:   n.logger,
		}
		j, err := persistence.NewJetStreamJournal(ctx, n.nats, jsCfg)
		if err != nil {
			return err
		}
		s, err := persistence.NewKVSnapshotStore(ctx, n.nats, jsCfg)
		if err != nil {
			return err
		}
		journal, snapshots = j, s
	default:
		journal, snapshots = persistence.NewMemoryJournal(), persistence.NewMemorySnapshotStore()
	}

	instrumented, err := persistence.Instrument(n.metrics, n.cfg.Persistence.Backend, journal, snapshots)
	if err != nil {
		return err
	}
	n.journal, n.snapshots = instrumented, instrumented
	return nil
}

func (n *Node) startShard(ctx context.Context) error {
	if !n.has(pubsub.RoleShard) {
		return nil
	}
	sc := n.cfg.Store
	store, err := shard.NewStore(shard.Config{
		NumShards:      sc.NumShards,
		OwnedShards:    sc.OwnedShards,
		SnapshotEvery:  sc.SnapshotEvery,
		PassivateAfter: sc.PassivateAfter,
		AskTimeout:     sc.AskTimeout,
		MailboxSize:    sc.MailboxSize,
		PersistTimeout: sc.PersistTimeout,
	}, shard.Dependencies{
		Journal:         n.journal,
		Snapshots:       n.snapshots,
		Notifier:        shard.NewBusNotifier(n.bus),
		MetricsRegistry: n.metrics,
		Logger:          n.logger,
	})
	if err != nil {
		return err
	}
	if err := store.Start(ctx); err != nil {
		return err
	}
	n.store = store
	n.onStop("shard-store", store.Stop)

	server := shard.NewServer(store, n.bus, n.logger)
	if err := server.Start(ctx); err != nil {
		return err
	}
	n.onStop("shard-server", func(time.Duration) error { return server.Stop() })

	n.monitor.Register("shard-store", health.CheckerFunc(func() health.Status {
		stats, _ := store.Stats(context.Background())
		return health.NewHealthy("shard-store", fmt.Sprintf("%d live entities", stats.Entities))
	}))
	return nil
}

// startRouting builds the asker every role uses to reach entities: local
// shards go straight to the store, the rest through the bus.
func (n *Node) startRouting(context.Context) error {
	n.asker = shard.NewDispatcher(n.router, n.store, shard.NewProxy(n.router, n.bus))
	n.client = cluster.NewCoordinatorClient(n.bus)
	return nil
}

func (n *Node) startCoordinator(ctx context.Context) error {
	if !n.has(pubsub.RoleCoordinator) {
		return nil
	}
	cc := n.cfg.Coordinator

	dir := cluster.NewDirectory(n.bus, cc.ResolveTimeout, n.logger)
	if err := dir.Start(ctx); err != nil {
		return err
	}
	n.onStop("producer-directory", func(time.Duration) error { return dir.Stop() })

	var stats shard.StatsSource = shard.NewProxy(n.router, n.bus)
	if n.store != nil && len(n.store.OwnedShards()) == n.cfg.Store.NumShards {
		stats = n.store
	}
	coord, err := cluster.NewCoordinator(cluster.CoordinatorConfig{
		SnapshotEvery:  cc.SnapshotEvery,
		StatsTimeout:   cc.StatsTimeout,
		PersistTimeout: n.cfg.Store.PersistTimeout,
	}, cluster.CoordinatorDependencies{
		Journal:         n.journal,
		Snapshots:       n.snapshots,
		Resolver:        dir,
		Watcher:         dir,
		Stats:           stats,
		MetricsRegistry: n.metrics,
		Logger:          n.logger,
	})
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}
	n.coord = coord
	n.onStop("coordinator", coord.Stop)

	server := cluster.NewCoordinatorServer(coord, dir, n.bus, n.logger)
	if err := server.Start(ctx); err != nil {
		return err
	}
	n.onStop("coordinator-server", func(time.Duration) error { return server.Stop() })

	aggregator := cluster.NewAggregator(cc.Debounce, func(count int) {
		reportCtx, cancel := context.WithTimeout(context.Background(), cc.StatsTimeout)
		defer cancel()
		if err := coord.ReportShardCount(reportCtx, count); err != nil {
			n.logger.Warn("Shard count report failed", "count", count, "error", err)
		}
	})

	feed := cluster.NewFeed(0, n.logger)
	sub, err := cluster.BusFeed(ctx, n.bus, feed)
	if err != nil {
		aggregator.Stop()
		return err
	}

	if err := cluster.RequestMembershipSync(ctx, n.bus); err != nil {
		n.logger.Warn("Membership sync request failed", "error", err)
	}

	listener := cluster.NewMembershipListener(feed, func(s cluster.Signal) {
		switch {
		case s.Role == pubsub.RoleShard:
			aggregator.Signal(s.Delta)
		case s.Role == pubsub.RoleIngress && s.Delta < 0:
			dir.MemberLost(s.Member)
		}
	}, n.logger)
	supervisor := cluster.NewSupervisor("membership-listener", cluster.SupervisorConfig{
		MaxRestarts: cc.MaxRestarts,
		Window:      cc.RestartWindow,
	}, listener.Run, func(error) { coord.OnTerminated(cluster.ListenerPath) }, n.logger)

	listenCtx, stopListening := context.WithCancel(ctx)
	n.group.Go(func() error { return supervisor.Run(listenCtx) })
	if cc.LivenessInterval > 0 {
		n.group.Go(func() error { return dir.RunLiveness(listenCtx, cc.LivenessInterval, cc.LivenessMisses) })
	}
	n.onStop("membership-listener", func(time.Duration) error {
		stopListening()
		aggregator.Stop()
		return sub.Unsubscribe()
	})

	n.monitor.Register("coordinator", health.CheckerFunc(func() health.Status {
		checkCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		available, err := coord.Available(checkCtx)
		switch {
		case err != nil:
			return health.NewUnhealthy("coordinator", err.Error())
		case !available:
			return health.NewDegraded("coordinator", "no shard nodes")
		default:
			return health.NewHealthy("coordinator", "shards available")
		}
	}))
	return nil
}

func (n *Node) startAPI(ctx context.Context) error {
	if !n.has(pubsub.RoleAPI) {
		return nil
	}
	view := shard.NewLatestView(n.logger)
	if err := view.Subscribe(ctx, n.bus); err != nil {
		return err
	}
	n.view = view
	n.onStop("latest-view", func(time.Duration) error { return view.Close() })
	return nil
}

func (n *Node) startIngress(ctx context.Context) error {
	if !n.has(pubsub.RoleIngress) {
		return nil
	}
	ic := n.cfg.Ingress

	mode, ok := ingress.ParseMode(ic.Mode)
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "startIngress", "ingress mode "+ic.Mode)
	}
	overflow := buffer.Block
	if ic.Overflow == "drop_newest" {
		overflow = buffer.DropNewest
	}
	var fetchers []ingress.Fetcher
	for _, s := range ic.Series {
		fetchers = append(fetchers, ingress.NewFileFetcher(s.Name, s.Path))
	}

	pipeline, err := ingress.NewPipeline(ingress.Config{
		QueueCapacity:   ic.QueueCapacity,
		Overflow:        overflow,
		OfferTimeout:    ic.OfferTimeout,
		Workers:         ic.Workers,
		DeliveryTimeout: ic.DeliveryTimeout,
		PollInterval:    ic.PollInterval,
		BatchSize:       ic.BatchSize,
		StopTimeout:     ic.StopTimeout,
	}, ingress.Dependencies{
		Sink:            n.asker,
		Fetchers:        fetchers,
		MetricsRegistry: n.metrics,
		Logger:          n.logger,
	})
	if err != nil {
		return err
	}
	n.pipeline = pipeline

	producer, err := ingress.NewProducer(ingress.ProducerConfig{
		ID:     ic.ProducerID,
		Member: n.cfg.Node.ID,
		Mode:   mode,
	}, ingress.ProducerDependencies{
		Bus:         n.bus,
		Pipeline:    pipeline,
		Coordinator: n.client,
		Logger:      n.logger,
	})
	if err != nil {
		return err
	}
	if err := producer.Start(ctx); err != nil {
		return err
	}
	n.producer = producer
	n.onStop("ingress-producer", producer.Stop)

	n.ingest = ingress.NewWebSocketHandler(pipeline, n.logger)
	n.onStop("ingest-websocket", func(time.Duration) error { return n.ingest.Close() })

	n.monitor.Register("ingress", health.CheckerFunc(func() health.Status {
		stats := pipeline.Stats()
		if !producer.Available() {
			return health.NewDegraded("ingress", "waiting for shard availability")
		}
		return health.NewHealthy("ingress", fmt.Sprintf("mode %s, %d delivered, %d failed",
			stats.Mode, stats.Delivered, stats.Failed))
	}))
	return nil
}

func (n *Node) startHTTP(context.Context) error {
	if n.cfg.Node.HTTPAddr == "" {
		return nil
	}
	server := metric.NewServer(n.cfg.Node.HTTPAddr, "/metrics", n.metrics)
	if n.cfg.Node.TLS != nil {
		tlsConfig, err := tlsutil.LoadServerConfig(*n.cfg.Node.TLS)
		if err != nil {
			return err
		}
		server.SetTLSConfig(tlsConfig)
	}
	n.routes(server)
	if err := server.Start(); err != nil {
		return err
	}
	n.http = server
	n.onStop("http", func(timeout time.Duration) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return server.Stop(ctx)
	})
	return nil
}

// startMembership announces the node to the coordinator. The matching
// down event is the first thing sent on stop.
func (n *Node) startMembership(ctx context.Context) error {
	roles := make([]pubsub.Role, 0, len(n.cfg.Node.Roles))
	for _, r := range n.cfg.Node.Roles {
		roles = append(roles, pubsub.Role(r))
	}
	up := cluster.MemberEvent{Type: cluster.MemberUp, Member: n.cfg.Node.ID, Roles: roles}

	resync, err := n.bus.Subscribe(ctx, cluster.MembershipSyncTopic, func(ctx context.Context, _ pubsub.Message) {
		if err := cluster.Announce(ctx, n.bus, up); err != nil {
			n.logger.Warn("Membership re-announce failed", "error", err)
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "Node", "startMembership", "subscribe membership sync")
	}
	if err := cluster.Announce(ctx, n.bus, up); err != nil {
		_ = resync.Unsubscribe()
		return err
	}
	n.onStop("membership", func(timeout time.Duration) error {
		_ = resync.Unsubscribe()
		announceCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		down := cluster.MemberEvent{Type: cluster.MemberDown, Member: n.cfg.Node.ID, Roles: roles}
		return cluster.Announce(announceCtx, n.bus, down)
	})
	return nil
}

// HTTPAddress returns the base URL of the HTTP surface, or "" when disabled.
func (n *Node) HTTPAddress() string {
	if n.http == nil {
		return ""
	}
	return n.http.Address()
}

// Asker returns the node's route to the entity store.
func (n *Node) Asker() shard.Asker { return n.asker }

// Pipeline returns the ingress pipeline, or nil without the ingress role.
func (n *Node) Pipeline() *ingress.Pipeline { return n.pipeline }

// Producer returns the ingress producer, or nil without the ingress role.
func (n *Node) Producer() *ingress.Producer { return n.producer }

// Health returns the aggregate health of the node.
func (n *Node) Health() health.Status {
	return n.monitor.AggregateHealth("pitwall")
}
