// Package persistence provides the event journal and snapshot store behind
// the shard store's entities and the cluster coordinator.
//
// Every persistent actor owns a persistence id. Its events are appended to
// the Journal with gap-free sequence numbers starting at 1, and a full state
// Snapshot is saved periodically. Recovery loads the latest snapshot and
// replays the journal from the record after it.
//
// Two backends exist. The memory backend serves tests and single-process
// runs. The JetStream backend stores records on the PITWALL_JOURNAL stream
// under one subject per id, deduplicated by message id and guarded by the
// expected last subject sequence, and keeps snapshots in the
// pitwall_snapshots key-value bucket.
package persistence
