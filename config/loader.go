package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fileFormat int

const (
	formatUnknown fileFormat = iota
	formatJSON
	formatYAML
)

func formatOf(path string) fileFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatUnknown
	}
}

// durationPaths lists the dotted keys whose string values are durations.
var durationPaths = []string{
	"nats.reconnect_wait",
	"nats.timeout",
	"store.passivate_after",
	"store.ask_timeout",
	"store.persist_timeout",
	"coordinator.debounce",
	"coordinator.resolve_timeout",
	"coordinator.stats_timeout",
	"coordinator.restart_window",
	"coordinator.liveness_interval",
	"ingress.offer_timeout",
	"ingress.delivery_timeout",
	"ingress.poll_interval",
	"ingress.stop_timeout",
}

// Loader builds a Config from defaults, file layers and the environment.
// Later layers override earlier ones key by key.
type Loader struct {
	layers    []string
	validate  bool
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader reading the process environment.
func NewLoader() *Loader {
	return &Loader{lookupEnv: os.LookupEnv}
}

// AddLayer appends a configuration file layer.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load call Validate on the result.
func (l *Loader) EnableValidation(enable bool) {
	l.validate = enable
}

// LoadFile loads a single file over the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges every layer, applies environment overrides and optionally
// validates.
func (l *Loader) Load() (*Config, error) {
	merged := map[string]any{}
	for _, path := range l.layers {
		layer, err := readLayer(path)
		if err != nil {
			return nil, fmt.Errorf("load layer %s: %w", path, err)
		}
		mergeMaps(merged, layer)
	}

	if err := parseDurations(merged); err != nil {
		return nil, err
	}

	cfg := Default()
	if len(merged) > 0 {
		data, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("encode merged config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode merged config: %w", err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	if l.validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

func readLayer(path string) (map[string]any, error) {
	data, err := readLayerFile(path)
	if err != nil {
		return nil, err
	}

	layer := map[string]any{}
	switch formatOf(path) {
	case formatJSON:
		if err := checkJSONDepth(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	case formatYAML:
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	}
	return layer, nil
}

// mergeMaps deep-merges src into dst. Nested maps merge; anything else,
// including lists, replaces.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeMaps(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// parseDurations replaces duration strings at durationPaths with
// nanosecond counts so they decode into time.Duration fields.
func parseDurations(root map[string]any) error {
	for _, path := range durationPaths {
		parts := strings.Split(path, ".")
		section, ok := root[parts[0]].(map[string]any)
		if !ok {
			continue
		}
		raw, ok := section[parts[1]]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		section[parts[1]] = int64(d)
	}
	return nil
}

// parseDurationWithDays extends time.ParseDuration with a "d" suffix.
func parseDurationWithDays(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	var errs []error
	get := func(key string) (string, bool) {
		value, ok := l.lookupEnv(key)
		if !ok || value == "" {
			return "", false
		}
		if err := checkEnvValue(key, value); err != nil {
			errs = append(errs, err)
			return "", false
		}
		return value, true
	}

	if v, ok := get("PITWALL_NODE_ID"); ok {
		cfg.Node.ID = v
	}
	if v, ok := get("PITWALL_NODE_ROLES"); ok {
		cfg.Node.Roles = splitList(v)
	}
	if v, ok := get("PITWALL_HTTP_ADDR"); ok {
		cfg.Node.HTTPAddr = v
	}
	if v, ok := get("PITWALL_NATS_URLS"); ok {
		cfg.NATS.URLs = splitList(v)
	}
	if v, ok := get("PITWALL_NATS_USERNAME"); ok {
		cfg.NATS.Username = v
	}
	if v, ok := get("PITWALL_NATS_PASSWORD"); ok {
		cfg.NATS.Password = v
	}
	if v, ok := get("PITWALL_NATS_TOKEN"); ok {
		cfg.NATS.Token = v
	}
	if v, ok := get("PITWALL_PERSISTENCE_BACKEND"); ok {
		cfg.Persistence.Backend = v
	}
	if v, ok := get("PITWALL_INGRESS_MODE"); ok {
		cfg.Ingress.Mode = v
	}
	if v, ok := get("PITWALL_INGRESS_PRODUCER_ID"); ok {
		cfg.Ingress.ProducerID = v
	}
	if v, ok := get("PITWALL_STORE_OWNED_SHARDS"); ok {
		owned, err := parseShardList(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PITWALL_STORE_OWNED_SHARDS: %w", err))
		} else {
			cfg.Store.OwnedShards = owned
		}
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseShardList parses "0,1,4-7".
func parseShardList(v string) ([]int, error) {
	var out []int
	for _, item := range splitList(v) {
		lo, hi, isRange := strings.Cut(item, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid shard %q", item)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, fmt.Errorf("invalid shard range %q", item)
			}
		}
		for id := start; id <= end; id++ {
			out = append(out, id)
		}
	}
	return out, nil
}
