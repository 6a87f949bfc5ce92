package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/pubsub"
)

// NoticeKind is what the coordinator tells a producer.
type NoticeKind string

// Notices
const (
	NoticeAvailable   NoticeKind = "available"
	NoticeUnavailable NoticeKind = "unavailable"
	NoticeRecheck     NoticeKind = "recheck"
)

// Notice is sent from the coordinator to a producer. Version is the
// coordinator journal sequence the notice was computed at.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Version uint64     `json:"version,omitempty"`
	At      time.Time  `json:"at"`
}

// Availability is shard availability as of a coordinator journal sequence.
// A higher Version supersedes a lower one; zero is unversioned.
type Availability struct {
	Available bool   `json:"available"`
	Version   uint64 `json:"version,omitempty"`
}

// Supersedes reports whether a value at version may replace one at last.
func Supersedes(version, last uint64) bool {
	return version == 0 || version >= last
}

// AvailabilityNotice returns the notice announcing a.
func AvailabilityNotice(a Availability) Notice {
	kind := NoticeUnavailable
	if a.Available {
		kind = NoticeAvailable
	}
	return Notice{Kind: kind, Version: a.Version, At: time.Now().UTC()}
}

// ProducerRef addresses a registered producer.
type ProducerRef interface {
	Path() string
	Tell(ctx context.Context, n Notice) error
}

// Resolver locates a producer by path after a coordinator restart.
type Resolver interface {
	Resolve(ctx context.Context, path string) (ProducerRef, error)
}

// Watcher reports producer termination.
type Watcher interface {
	// Watch calls fn once when path terminates. The returned func cancels.
	Watch(path string, fn func()) (cancel func())
}

// Producer addressing on the bus
const producerPathPrefix = "ingress/"

// ProducerPath returns the registry path of producer id.
func ProducerPath(id string) string { return producerPathPrefix + id }

// ProducerID is the inverse of ProducerPath.
func ProducerID(path string) string { return strings.TrimPrefix(path, producerPathPrefix) }

// NoticeTopic carries notices to producer id.
func NoticeTopic(id string) pubsub.Topic { return pubsub.NewTopic(pubsub.RoleIngress, "notice", id) }

// PingTopic answers liveness probes for producer id.
func PingTopic(id string) pubsub.Topic { return pubsub.NewTopic(pubsub.RoleIngress, "ping", id) }

// TerminatedTopic carries producer ids that stopped.
var TerminatedTopic = pubsub.NewTopic(pubsub.RoleIngress, "terminated")

// RemoteRef is a ProducerRef reached over the bus.
type RemoteRef struct {
	id  string
	bus pubsub.Bus
}

// NewRemoteRef creates a ref to producer id.
func NewRemoteRef(bus pubsub.Bus, id string) *RemoteRef {
	return &RemoteRef{id: id, bus: bus}
}

// Path implements ProducerRef.
func (r *RemoteRef) Path() string { return ProducerPath(r.id) }

// Tell implements ProducerRef.
func (r *RemoteRef) Tell(ctx context.Context, n Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.WrapInvalid(err, "RemoteRef", "Tell", r.id)
	}
	return r.bus.Publish(ctx, NoticeTopic(r.id), data)
}

// Directory resolves producers by pinging them and reports their
// termination. A producer terminates when it announces so on
// TerminatedTopic, when its hosting member leaves, or when it misses
// consecutive liveness pings.
type Directory struct {
	bus         pubsub.Bus
	pingTimeout time.Duration
	watchers    *xsync.Map[string, map[string]func()]
	mu          sync.Mutex // serializes watcher set and member changes
	members     map[string]map[string]struct{}
	hosts       map[string]string
	misses      map[string]int
	sub         pubsub.Subscription
	logger      *slog.Logger
}

var (
	_ Resolver = (*Directory)(nil)
	_ Watcher  = (*Directory)(nil)
)

// NewDirectory creates a directory. Start must be called to receive terminations.
func NewDirectory(bus pubsub.Bus, pingTimeout time.Duration, logger *slog.Logger) *Directory {
	if pingTimeout <= 0 {
		pingTimeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		bus:         bus,
		pingTimeout: pingTimeout,
		watchers:    xsync.NewMap[string, map[string]func()](),
		members:     make(map[string]map[string]struct{}),
		hosts:       make(map[string]string),
		misses:      make(map[string]int),
		logger:      logger.With("component", "producer-directory"),
	}
}

// Start subscribes TerminatedTopic.
func (d *Directory) Start(ctx context.Context) error {
	sub, err := d.bus.Subscribe(ctx, TerminatedTopic, func(_ context.Context, msg pubsub.Message) {
		d.Terminated(ProducerPath(string(msg.Data)))
	})
	if err != nil {
		return errors.WrapTransient(err, "Directory", "Start", TerminatedTopic.Subject())
	}
	d.sub = sub
	return nil
}

// Stop unsubscribes.
func (d *Directory) Stop() error {
	if d.sub == nil {
		return nil
	}
	return d.sub.Unsubscribe()
}

// Ref returns a ref to producer id without probing it.
func (d *Directory) Ref(id string) ProducerRef { return NewRemoteRef(d.bus, id) }

// Resolve implements Resolver by pinging the producer.
func (d *Directory) Resolve(ctx context.Context, path string) (ProducerRef, error) {
	id := ProducerID(path)
	ctx, cancel := context.WithTimeout(ctx, d.pingTimeout)
	defer cancel()
	if _, err := d.bus.Request(ctx, PingTopic(id), nil); err != nil {
		return nil, errors.WrapTransient(err, "Directory", "Resolve", path)
	}
	return NewRemoteRef(d.bus, id), nil
}

// Watch implements Watcher.
func (d *Directory) Watch(path string, fn func()) func() {
	token := uuid.NewString()
	d.mu.Lock()
	set, _ := d.watchers.Load(path)
	next := make(map[string]func(), len(set)+1)
	for k, v := range set {
		next[k] = v
	}
	next[token] = fn
	d.watchers.Store(path, next)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		set, ok := d.watchers.Load(path)
		if !ok {
			return
		}
		next := make(map[string]func(), len(set))
		for k, v := range set {
			if k != token {
				next[k] = v
			}
		}
		if len(next) == 0 {
			d.watchers.Delete(path)
			return
		}
		d.watchers.Store(path, next)
	}
}

// Terminated fires and clears every watch on path.
func (d *Directory) Terminated(path string) {
	d.mu.Lock()
	set, ok := d.watchers.LoadAndDelete(path)
	d.unbindLocked(path)
	delete(d.misses, path)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.logger.Info("Producer terminated", "path", path, "watchers", len(set))
	for _, fn := range set {
		fn()
	}
}

// Bind records that the producer at path runs on member.
func (d *Directory) Bind(member, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unbindLocked(path)
	set, ok := d.members[member]
	if !ok {
		set = make(map[string]struct{})
		d.members[member] = set
	}
	set[path] = struct{}{}
	d.hosts[path] = member
}

func (d *Directory) unbindLocked(path string) {
	member, ok := d.hosts[path]
	if !ok {
		return
	}
	delete(d.hosts, path)
	delete(d.members[member], path)
	if len(d.members[member]) == 0 {
		delete(d.members, member)
	}
}

// MemberLost terminates every producer bound to member.
func (d *Directory) MemberLost(member string) {
	d.mu.Lock()
	paths := make([]string, 0, len(d.members[member]))
	for path := range d.members[member] {
		paths = append(paths, path)
	}
	d.mu.Unlock()
	slices.Sort(paths)
	if len(paths) > 0 {
		d.logger.Info("Member lost, dropping its producers", "member", member, "producers", len(paths))
	}
	for _, path := range paths {
		d.Terminated(path)
	}
}

// Sweep pings every watched producer once. A producer that misses maxMisses
// consecutive pings is terminated. It returns the terminated paths.
func (d *Directory) Sweep(ctx context.Context, maxMisses int) []string {
	if maxMisses <= 0 {
		maxMisses = 1
	}
	var paths []string
	d.watchers.Range(func(path string, _ map[string]func()) bool {
		paths = append(paths, path)
		return true
	})
	slices.Sort(paths)

	var dead []string
	for _, path := range paths {
		_, err := d.Resolve(ctx, path)
		d.mu.Lock()
		if err == nil {
			delete(d.misses, path)
			d.mu.Unlock()
			continue
		}
		d.misses[path]++
		missed := d.misses[path]
		d.mu.Unlock()
		d.logger.Debug("Producer missed a liveness ping", "path", path, "misses", missed, "error", err)
		if missed >= maxMisses {
			dead = append(dead, path)
		}
	}
	for _, path := range dead {
		d.Terminated(path)
	}
	return dead
}

// RunLiveness sweeps every interval until ctx ends.
func (d *Directory) RunLiveness(ctx context.Context, interval time.Duration, maxMisses int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Sweep(ctx, maxMisses)
		}
	}
}

// AnnounceTerminated publishes that producer id stopped.
func AnnounceTerminated(ctx context.Context, bus pubsub.Bus, id string) error {
	return bus.Publish(ctx, TerminatedTopic, []byte(id))
}
