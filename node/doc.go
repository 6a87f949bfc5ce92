// Package node assembles a pitwall process from its configuration.
//
// A node starts its parts in dependency order and stops them in reverse:
// transport, persistence, shard store and server, routing, coordinator,
// latest-state view, ingress producer, HTTP surface and finally its
// membership announcement. Roles decide which parts exist. A node with every
// role runs on an in-process bus; anything else needs NATS.
//
// HTTP routes:
//
//	GET /metrics                      Prometheus exposition
//	GET /healthz                      aggregated health
//	GET /cluster/status               coordinator view, local or over the bus
//	GET /entities                     latest state seen (api role)
//	GET /entities/{session}/{driver}  state from the owning entity (api role)
//	GET /ingest                       WebSocket push ingest (ingress role)
//	GET /ingest/stats                 pipeline statistics (ingress role)
package node
