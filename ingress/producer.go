package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/pitwall/cluster"
	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/pkg/retry"
	"github.com/c360/pitwall/pubsub"
)

// Controller is the pipeline control surface the producer drives.
type Controller interface {
	Start(ctx context.Context, mode Mode) error
	Stop() error
	Mode() Mode
}

// Registrar registers a producer with the coordinator and returns the
// current shard availability.
type Registrar interface {
	Register(ctx context.Context, req cluster.RegisterRequest) (cluster.Availability, error)
}

var (
	_ Controller = (*Pipeline)(nil)
	_ Registrar  = (*cluster.CoordinatorClient)(nil)
)

// ProducerConfig configures a producer.
type ProducerConfig struct {
	ID       string       // defaults to a random id
	Member   string       // cluster member hosting the producer
	Mode     Mode         // mode started when shards are available
	Register retry.Config // registration retry; defaults to retry.Persistent()
}

// ProducerDependencies are the producer's collaborators.
type ProducerDependencies struct {
	Bus         pubsub.Bus
	Pipeline    Controller
	Coordinator Registrar
	Logger      *slog.Logger
}

// Producer gates the pipeline on shard availability. It registers with the
// coordinator, runs the pipeline while shards are available and stops it
// otherwise. A recheck notice makes it register again. Availability values
// older than the last one applied are ignored, so a registration reply that
// loses a race with a newer notice cannot restart the pipeline.
type Producer struct {
	cfg    ProducerConfig
	deps   ProducerDependencies
	logger *slog.Logger

	mu        sync.Mutex // serializes availability changes
	version   uint64     // guarded by mu
	available atomic.Bool
	subs      []pubsub.Subscription

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// NewProducer creates a producer.
func NewProducer(cfg ProducerConfig, deps ProducerDependencies) (*Producer, error) {
	if deps.Bus == nil || deps.Pipeline == nil || deps.Coordinator == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Producer", "NewProducer",
			"bus, pipeline and coordinator required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Mode == ModeStopped {
		cfg.Mode = ModePush
	}
	if cfg.Register.MaxAttempts == 0 {
		cfg.Register = retry.Persistent()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "ingress-producer", "producer", cfg.ID),
	}, nil
}

// ID returns the producer id.
func (p *Producer) ID() string { return p.cfg.ID }

// Available reports the last availability the coordinator announced.
func (p *Producer) Available() bool { return p.available.Load() }

// Start subscribes the producer's notice and ping topics, registers and
// applies the returned availability.
func (p *Producer) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Producer", "Start", "producer already started")
	}

	notices, err := p.deps.Bus.Subscribe(ctx, cluster.NoticeTopic(p.cfg.ID), p.handleNotice)
	if err != nil {
		return errors.WrapTransient(err, "Producer", "Start", "subscribe notices")
	}
	pings, err := p.deps.Bus.Subscribe(ctx, cluster.PingTopic(p.cfg.ID), func(_ context.Context, msg pubsub.Message) {
		_ = msg.Respond([]byte(p.cfg.ID))
	})
	if err != nil {
		_ = notices.Unsubscribe()
		return errors.WrapTransient(err, "Producer", "Start", "subscribe pings")
	}
	p.subs = []pubsub.Subscription{notices, pings}

	if err := p.register(ctx); err != nil {
		p.unsubscribe()
		return err
	}
	p.started = true
	p.logger.Info("Producer started", "mode", p.cfg.Mode, "available", p.Available())
	return nil
}

// Stop stops the pipeline and announces termination to the coordinator.
func (p *Producer) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	p.unsubscribe()

	p.mu.Lock()
	err := p.deps.Pipeline.Stop()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if announceErr := cluster.AnnounceTerminated(ctx, p.deps.Bus, p.cfg.ID); announceErr != nil {
		p.logger.Warn("Termination announcement failed", "error", announceErr)
	}
	p.logger.Info("Producer stopped")
	return err
}

func (p *Producer) unsubscribe() {
	for _, sub := range p.subs {
		_ = sub.Unsubscribe()
	}
	p.subs = nil
}

func (p *Producer) register(ctx context.Context) error {
	req := cluster.RegisterRequest{ProducerID: p.cfg.ID, Member: p.cfg.Member}
	available, err := retry.DoWithResult(ctx, p.cfg.Register, func() (cluster.Availability, error) {
		return p.deps.Coordinator.Register(ctx, req)
	})
	if err != nil {
		return errors.WrapTransient(err, "Producer", "register", "register with coordinator")
	}
	return p.apply(ctx, available)
}

// apply starts the pipeline in the configured mode when shards become
// available and stops it when they go away. A pipeline already running in
// the configured mode is left alone.
func (p *Producer) apply(ctx context.Context, a cluster.Availability) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !cluster.Supersedes(a.Version, p.version) {
		p.logger.Debug("Ignoring stale availability", "available", a.Available,
			"version", a.Version, "applied", p.version)
		return nil
	}
	if a.Version > p.version {
		p.version = a.Version
	}
	available := a.Available
	p.available.Store(available)
	current := p.deps.Pipeline.Mode()
	switch {
	case available && current != p.cfg.Mode:
		p.logger.Info("Shards available, starting pipeline", "mode", p.cfg.Mode)
		return p.deps.Pipeline.Start(ctx, p.cfg.Mode)
	case !available && current != ModeStopped:
		p.logger.Info("Shards unavailable, stopping pipeline")
		return p.deps.Pipeline.Stop()
	}
	return nil
}

func (p *Producer) handleNotice(ctx context.Context, msg pubsub.Message) {
	var n cluster.Notice
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		p.logger.Warn("Undecodable notice", "error", err)
		return
	}

	var err error
	switch n.Kind {
	case cluster.NoticeAvailable:
		err = p.apply(ctx, cluster.Availability{Available: true, Version: n.Version})
	case cluster.NoticeUnavailable:
		err = p.apply(ctx, cluster.Availability{Available: false, Version: n.Version})
	case cluster.NoticeRecheck:
		p.logger.Debug("Coordinator asked for a recheck")
		err = p.register(ctx)
	default:
		p.logger.Warn("Unknown notice", "kind", n.Kind)
	}
	if err != nil {
		p.logger.Warn("Notice handling failed", "kind", n.Kind, "error", err)
	}
}
