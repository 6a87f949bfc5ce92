package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/pitwall/pkg/tlsutil"
	"github.com/c360/pitwall/pubsub"
)

// Persistence backends
const (
	BackendMemory    = "memory"
	BackendJetStream = "jetstream"
)

// Config is the complete node configuration.
type Config struct {
	Node        NodeConfig        `json:"node"`
	NATS        NATSConfig        `json:"nats"`
	Store       StoreConfig       `json:"store"`
	Persistence PersistenceConfig `json:"persistence"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Ingress     IngressConfig     `json:"ingress"`
}

// NodeConfig is the node's identity and surface.
type NodeConfig struct {
	ID       string                `json:"id"`
	Roles    []string              `json:"roles"`     // coordinator, shard, ingress, api
	HTTPAddr string                `json:"http_addr"` // empty disables the HTTP surface
	TLS      *tlsutil.ServerConfig `json:"tls,omitempty"`
}

// NATSConfig defines NATS connection settings. No URLs means an in-process
// bus, which only works for single-node deployments.
type NATSConfig struct {
	URLs          []string              `json:"urls,omitempty"`
	MaxReconnects int                   `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration         `json:"reconnect_wait,omitempty"`
	Timeout       time.Duration         `json:"timeout,omitempty"`
	Username      string                `json:"username,omitempty"`
	Password      string                `json:"password,omitempty"`
	Token         string                `json:"token,omitempty"`
	TLS           *tlsutil.ClientConfig `json:"tls,omitempty"`
}

// StoreConfig tunes the sharded entity store.
type StoreConfig struct {
	NumShards      int           `json:"num_shards"`
	OwnedShards    []int         `json:"owned_shards,omitempty"` // empty means all
	SnapshotEvery  int           `json:"snapshot_every"`
	PassivateAfter time.Duration `json:"passivate_after"`
	AskTimeout     time.Duration `json:"ask_timeout"`
	PersistTimeout time.Duration `json:"persist_timeout"`
	MailboxSize    int           `json:"mailbox_size"`
}

// PersistenceConfig selects the journal and snapshot backend.
type PersistenceConfig struct {
	Backend        string `json:"backend"`
	JournalStream  string `json:"journal_stream,omitempty"`
	SnapshotBucket string `json:"snapshot_bucket,omitempty"`
	Replicas       int    `json:"replicas,omitempty"`
}

// CoordinatorConfig tunes the cluster coordinator.
type CoordinatorConfig struct {
	Debounce         time.Duration `json:"debounce"`
	ResolveTimeout   time.Duration `json:"resolve_timeout"`
	StatsTimeout     time.Duration `json:"stats_timeout"`
	SnapshotEvery    int           `json:"snapshot_every"`
	MaxRestarts      int           `json:"max_restarts"`
	RestartWindow    time.Duration `json:"restart_window"`
	LivenessInterval time.Duration `json:"liveness_interval"` // producer ping period; 0 disables
	LivenessMisses   int           `json:"liveness_misses"`
}

// IngressConfig configures the producer and its pipeline.
type IngressConfig struct {
	Mode            string         `json:"mode"` // push or polling
	ProducerID      string         `json:"producer_id,omitempty"`
	QueueCapacity   int            `json:"queue_capacity"`
	Overflow        string         `json:"overflow"` // block or drop_newest
	OfferTimeout    time.Duration  `json:"offer_timeout"`
	Workers         int            `json:"workers"`
	DeliveryTimeout time.Duration  `json:"delivery_timeout"`
	PollInterval    time.Duration  `json:"poll_interval"`
	BatchSize       int            `json:"batch_size"`
	StopTimeout     time.Duration  `json:"stop_timeout"`
	Series          []SeriesConfig `json:"series,omitempty"`
}

// SeriesConfig is one recorded series replayed in polling mode.
type SeriesConfig struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path"`
}

// Default returns the configuration of a single node running every role
// against an in-process bus and memory persistence.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       "pitwall-1",
			Roles:    []string{"coordinator", "shard", "ingress", "api"},
			HTTPAddr: ":8080",
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Store: StoreConfig{
			NumShards:      16,
			SnapshotEvery:  10,
			PassivateAfter: 2 * time.Minute,
			AskTimeout:     5 * time.Second,
			PersistTimeout: 5 * time.Second,
			MailboxSize:    256,
		},
		Persistence: PersistenceConfig{
			Backend:        BackendMemory,
			JournalStream:  "PITWALL_JOURNAL",
			SnapshotBucket: "pitwall_snapshots",
			Replicas:       1,
		},
		Coordinator: CoordinatorConfig{
			Debounce:         time.Second,
			ResolveTimeout:   time.Second,
			StatsTimeout:     2 * time.Second,
			SnapshotEvery:    10,
			MaxRestarts:      10,
			RestartWindow:    10 * time.Second,
			LivenessInterval: 5 * time.Second,
			LivenessMisses:   3,
		},
		Ingress: IngressConfig{
			Mode:            "push",
			QueueCapacity:   8192,
			Overflow:        "block",
			OfferTimeout:    time.Second,
			Workers:         8,
			DeliveryTimeout: 5 * time.Second,
			PollInterval:    50 * time.Millisecond,
			BatchSize:       1,
			StopTimeout:     5 * time.Second,
		},
	}
}

// HasRole reports whether the node runs role.
func (c *Config) HasRole(role pubsub.Role) bool {
	for _, r := range c.Node.Roles {
		if pubsub.Role(r) == role {
			return true
		}
	}
	return false
}

// Validate checks the configuration and normalizes role names.
func (c *Config) Validate() error {
	var errs []error

	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if len(c.Node.Roles) == 0 {
		errs = append(errs, errors.New("node.roles must name at least one role"))
	}
	for i, r := range c.Node.Roles {
		c.Node.Roles[i] = strings.ToLower(strings.TrimSpace(r))
		if !pubsub.Role(c.Node.Roles[i]).Valid() {
			errs = append(errs, fmt.Errorf("node.roles: unknown role %q", r))
		}
	}
	if len(c.NATS.URLs) == 0 && c.multiNodeOnly() {
		errs = append(errs, errors.New("nats.urls is required unless the node runs every role"))
	}

	if c.Store.NumShards <= 0 {
		errs = append(errs, errors.New("store.num_shards must be positive"))
	}
	for _, id := range c.Store.OwnedShards {
		if id < 0 || id >= c.Store.NumShards {
			errs = append(errs, fmt.Errorf("store.owned_shards: shard %d outside [0,%d)", id, c.Store.NumShards))
		}
	}
	if c.Store.SnapshotEvery <= 0 {
		errs = append(errs, errors.New("store.snapshot_every must be positive"))
	}
	if c.Store.MailboxSize <= 0 {
		errs = append(errs, errors.New("store.mailbox_size must be positive"))
	}
	errs = append(errs, positive(map[string]time.Duration{
		"store.passivate_after":      c.Store.PassivateAfter,
		"store.ask_timeout":          c.Store.AskTimeout,
		"coordinator.debounce":       c.Coordinator.Debounce,
		"coordinator.restart_window": c.Coordinator.RestartWindow,
		"ingress.offer_timeout":      c.Ingress.OfferTimeout,
		"ingress.delivery_timeout":   c.Ingress.DeliveryTimeout,
		"ingress.poll_interval":      c.Ingress.PollInterval,
	})...)

	switch c.Persistence.Backend {
	case BackendMemory:
	case BackendJetStream:
		if len(c.NATS.URLs) == 0 {
			errs = append(errs, errors.New("persistence.backend jetstream requires nats.urls"))
		}
		if !isValidStreamName(c.Persistence.JournalStream) {
			errs = append(errs, fmt.Errorf("persistence.journal_stream %q is not a valid stream name",
				c.Persistence.JournalStream))
		}
	default:
		errs = append(errs, fmt.Errorf("persistence.backend %q must be memory or jetstream", c.Persistence.Backend))
	}

	if c.Coordinator.MaxRestarts <= 0 {
		errs = append(errs, errors.New("coordinator.max_restarts must be positive"))
	}
	if c.Coordinator.LivenessInterval < 0 || c.Coordinator.LivenessMisses < 0 {
		errs = append(errs, errors.New("coordinator.liveness_interval and coordinator.liveness_misses must not be negative"))
	}

	switch c.Ingress.Mode {
	case "push":
	case "polling":
		if len(c.Ingress.Series) == 0 && c.HasRole(pubsub.RoleIngress) {
			errs = append(errs, errors.New("ingress.series is required in polling mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("ingress.mode %q must be push or polling", c.Ingress.Mode))
	}
	switch c.Ingress.Overflow {
	case "block", "drop_newest":
	default:
		errs = append(errs, fmt.Errorf("ingress.overflow %q must be block or drop_newest", c.Ingress.Overflow))
	}
	if c.Ingress.QueueCapacity <= 0 || c.Ingress.Workers <= 0 {
		errs = append(errs, errors.New("ingress.queue_capacity and ingress.workers must be positive"))
	}
	for i, s := range c.Ingress.Series {
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("ingress.series[%d].path is required", i))
		}
	}
	if c.Node.TLS != nil {
		if err := c.Node.TLS.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("node.tls: %w", err))
		}
	}
	if c.NATS.TLS != nil {
		if err := c.NATS.TLS.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("nats.tls: %w", err))
		}
	}

	return errors.Join(errs...)
}

// multiNodeOnly reports whether the roles imply peers on other nodes.
func (c *Config) multiNodeOnly() bool {
	for _, role := range pubsub.Roles() {
		if !c.HasRole(role) {
			return true
		}
	}
	return false
}

func positive(durations map[string]time.Duration) []error {
	var errs []error
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errs
}

// isValidStreamName checks a JetStream stream name: no whitespace, dots or
// wildcards.
func isValidStreamName(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, " \t\r\n.*>")
}

// String returns the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
