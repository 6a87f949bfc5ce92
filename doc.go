// Package pitwall is a clustered store for live motorsport timing data.
//
// Every driver in every session is an entity that owns its own state:
// identity, the latest car telemetry, position, gaps, laps, stints and pit
// stops. Entities live in a fixed number of shards spread over the cluster,
// are rebuilt from a journal plus snapshots, and are fed by an ingress
// pipeline that only runs while shard capacity exists.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          Ingress Pipeline           │  push (WebSocket, Offer)
//	│   bounded queue → worker pool       │  or polling (file replay)
//	└─────────────────────────────────────┘
//	           ↓ asks                 ↑ start / stop / terminate
//	┌──────────────────────┐   ┌─────────────────────────────┐
//	│  Sharded Entity Store│   │    Cluster Coordinator      │
//	│ (router, shard actors│──→│ (membership, debounced      │
//	│  journal, snapshots) │   │  shard count, producers)    │
//	└──────────────────────┘   └─────────────────────────────┘
//	           ↓ communicate via
//	┌─────────────────────────────────────┐
//	│         Bus (NATS or in-process)    │  request/reply,
//	│   JetStream journal, KV snapshots   │  broadcast topics
//	└─────────────────────────────────────┘
//
// A single process can run every role on the in-process bus. A cluster
// splits the coordinator, shard, ingress and api roles over nodes that share
// a NATS server.
//
// # Packages
//
//   - entity: messages, replies and the per-driver state they mutate
//   - shard: key routing, the shard store and its request/reply server
//   - persistence: journal and snapshot stores (memory or JetStream)
//   - cluster: coordinator, membership feed, supervisor, producer registry
//   - ingress: pipeline, producer handle, fetchers and WebSocket feed
//   - pubsub: topics and the bus abstraction
//   - node: assembles the roles a process runs from configuration
//   - config: layered YAML/JSON loading with environment overrides
//
// # Running
//
//	pitwall --config configs/replay.yaml
//	pitwall --config configs/base.yaml --config configs/shard.yaml
//
// See cmd/pitwall for flags.
package pitwall
