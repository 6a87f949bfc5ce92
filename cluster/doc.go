// Package cluster decides whether ingestion may run.
//
// Membership events (member up, down, unreachable, reachable) enter through
// a Feed. A MembershipListener turns them into per-role Signals, and an
// Aggregator debounces the shard role's signals into a single count that is
// reported to the Coordinator. A Supervisor restarts the listener when it
// dies, up to MaxRestarts within Window, and escalates after that.
//
// The Coordinator is the only writer of shard availability and of the
// producer registry. Every change is journaled before it takes effect. When
// availability flips it tells every registered producer; unchanged reports
// send nothing. Availability is stamped with the journal sequence, so a
// producer can discard values older than one it already applied. On start it replays its journal, resolves each known
// producer, re-sends the current availability followed by a recheck notice,
// and drops producers that cannot be resolved.
//
// Producers reach the coordinator over the bus through CoordinatorServer and
// CoordinatorClient. The Directory resolves producers by ping and reports
// their termination: announced on a clean stop, implied when the hosting
// member leaves, or found by a liveness sweep.
package cluster
