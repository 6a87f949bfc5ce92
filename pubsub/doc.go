// Package pubsub is the node's message bus. Topics are scoped by role and
// support broadcast delivery, group delivery and request/reply.
//
// Topics are addressed as "pitwall.<role>.<name>". A Bus offers two
// delivery modes on any topic: Subscribe sees every message, SubscribeGroup
// shares messages with the other members of the same group so each message
// is handled once per group.
//
// MemoryBus serves single-process nodes and tests. NATSBus carries the same
// contract across processes through core NATS subjects and queue groups.
package pubsub
