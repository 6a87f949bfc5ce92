package shard

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/pubsub"
)

// CommandTopic is where the owner of shard id serves entity messages.
func CommandTopic(id int) pubsub.Topic {
	return pubsub.NewTopic(pubsub.RoleShard, "cmd", strconv.Itoa(id))
}

// StatsTopic serves store statistics.
var StatsTopic = pubsub.NewTopic(pubsub.RoleShard, "stats")

// maxInflight bounds the replies a Server awaits at once. A full server
// stops reading its subscriptions until a reply is sent.
const maxInflight = 512

// Server exposes a Store's owned shards on the bus. Each shard is served
// through a group subscription so a shard has one active handler even when
// several replicas subscribe. Messages are enqueued in arrival order and
// replies are awaited off the subscription, so one slow entity never holds
// up the rest of its shard.
type Server struct {
	store  *Store
	bus    pubsub.Bus
	logger *slog.Logger

	mu       sync.Mutex
	subs     []pubsub.Subscription
	inflight errgroup.Group
}

// NewServer creates a server for store.
func NewServer(store *Store, bus pubsub.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, bus: bus, logger: logger.With("component", "shard-server")}
	s.inflight.SetLimit(maxInflight)
	return s
}

// Start subscribes every owned shard.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "shard server already started")
	}

	for _, id := range s.store.OwnedShards() {
		topic := CommandTopic(id)
		sub, err := s.bus.SubscribeGroup(ctx, topic, "shard-"+strconv.Itoa(id), s.handleCommand)
		if err != nil {
			s.unsubscribeLocked()
			return errors.WrapTransient(err, "Server", "Start", topic.Subject())
		}
		s.subs = append(s.subs, sub)
	}

	sub, err := s.bus.SubscribeGroup(ctx, StatsTopic, "shard-stats", s.handleStats)
	if err != nil {
		s.unsubscribeLocked()
		return errors.WrapTransient(err, "Server", "Start", StatsTopic.Subject())
	}
	s.subs = append(s.subs, sub)
	s.logger.Info("Serving shards", "shards", s.store.OwnedShards())
	return nil
}

// Stop removes every subscription and waits for outstanding replies.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
	return s.inflight.Wait()
}

func (s *Server) unsubscribeLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("Unsubscribe failed", "error", err)
		}
	}
	s.subs = nil
}

func (s *Server) handleCommand(ctx context.Context, msg pubsub.Message) {
	decoded, err := entity.Unmarshal(msg.Data)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	p, err := s.store.enqueue(ctx, decoded)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	s.inflight.Go(func() error {
		reply, err := p.wait()
		s.respond(msg, reply, err)
		return nil
	})
}

func (s *Server) respond(msg pubsub.Message, reply entity.Reply, err error) {
	if !msg.CanRespond() {
		return
	}
	data, encErr := entity.EncodeReply(reply, err)
	if encErr != nil {
		s.logger.Warn("Reply encode failed", "error", encErr)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Debug("Respond failed", "error", err)
	}
}

func (s *Server) handleStats(ctx context.Context, msg pubsub.Message) {
	stats, _ := s.store.Stats(ctx)
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	_ = msg.Respond(data)
}

// Proxy implements Asker for shards hosted on other nodes.
type Proxy struct {
	router *Router
	bus    pubsub.Bus
}

var (
	_ Asker       = (*Proxy)(nil)
	_ StatsSource = (*Proxy)(nil)
)

// NewProxy creates a proxy routing with router over bus.
func NewProxy(router *Router, bus pubsub.Bus) *Proxy {
	return &Proxy{router: router, bus: bus}
}

// Ask implements Asker. Failures returned by the remote entity match the
// same sentinels as local ones.
func (p *Proxy) Ask(ctx context.Context, msg entity.Message) (entity.Reply, error) {
	_, shardID, err := p.router.Route(msg)
	if err != nil {
		return nil, err
	}
	data, err := entity.Marshal(msg)
	if err != nil {
		return nil, err
	}
	resp, err := p.bus.Request(ctx, CommandTopic(shardID), data)
	if err != nil {
		return nil, err
	}
	return entity.DecodeReply(resp)
}

// Stats implements StatsSource.
func (p *Proxy) Stats(ctx context.Context) (Stats, error) {
	resp, err := p.bus.Request(ctx, StatsTopic, nil)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	if err := json.Unmarshal(resp, &stats); err != nil {
		return Stats{}, errors.WrapInvalid(errors.ErrInvalidData, "Proxy", "Stats", err.Error())
	}
	return stats, nil
}

// Dispatcher sends messages for locally hosted shards to the local store
// and everything else through the proxy. Either side may be nil.
type Dispatcher struct {
	local  *Store
	remote *Proxy
	router *Router
}

var _ Asker = (*Dispatcher)(nil)

// NewDispatcher combines a local store and a remote proxy.
func NewDispatcher(router *Router, local *Store, remote *Proxy) *Dispatcher {
	return &Dispatcher{local: local, remote: remote, router: router}
}

// Ask implements Asker.
func (d *Dispatcher) Ask(ctx context.Context, msg entity.Message) (entity.Reply, error) {
	_, shardID, err := d.router.Route(msg)
	if err != nil {
		return nil, err
	}
	if d.local != nil && d.local.Owns(shardID) {
		return d.local.Ask(ctx, msg)
	}
	if d.remote == nil {
		return nil, errors.WrapInvalid(errors.ErrUnroutable, "Dispatcher", "Ask",
			"shard "+strconv.Itoa(shardID)+" has no route")
	}
	return d.remote.Ask(ctx, msg)
}
