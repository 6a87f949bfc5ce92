// Package shard hosts entities with single-writer semantics.
//
// A Router maps every message to an entity id (the key's canonical string)
// and a shard id (xxhash of the entity id mod the shard count). A Store
// hosts the shards assigned to this node. Each shard owns the map from
// entity id to live instance and spawns instances under its lock, so at most
// one instance per key exists.
//
// An entity instance is a goroutine with a bounded mailbox. On spawn it
// recovers from the latest snapshot plus the journal tail. Each accepted
// update is appended to the journal before it is applied, a snapshot is
// written every SnapshotEvery events, and an Updated event is handed to the
// Notifier. Instances are passivated when idle, on StopEntity, or when they
// receive anything but CreateDriver before being created. Requests queued
// behind a passivation are routed to a fresh instance.
//
// Server and Proxy carry the same Ask contract over a pubsub.Bus so nodes
// that host no shards can still reach entities; Dispatcher picks local or
// remote per message.
package shard
