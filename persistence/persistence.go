package persistence

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one journaled event. Sequence starts at 1 for every
// persistence id and has no gaps.
type Record struct {
	PersistenceID string          `json:"persistence_id"`
	Sequence      uint64          `json:"sequence"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	RecordID      string          `json:"record_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Snapshot is a full copy of a persistent actor's state taken after the
// record with the same Sequence was applied.
type Snapshot struct {
	PersistenceID string          `json:"persistence_id"`
	Sequence      uint64          `json:"sequence"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Journal is an append-only event log keyed by persistence id.
type Journal interface {
	// Append stores rec. rec.Sequence must be exactly one past the highest
	// stored sequence for its id, otherwise errors.ErrSequenceConflict.
	Append(ctx context.Context, rec Record) error
	// Replay calls fn for every record of id with Sequence >= fromSeq, in order.
	Replay(ctx context.Context, id string, fromSeq uint64, fn func(Record) error) error
	// HighestSequence returns the last stored sequence for id, or 0.
	HighestSequence(ctx context.Context, id string) (uint64, error)
}

// SnapshotStore keeps the latest snapshot per persistence id.
type SnapshotStore interface {
	// Save stores snap unless a snapshot with a higher sequence exists.
	Save(ctx context.Context, snap Snapshot) error
	// Load returns the latest snapshot for id; ok is false when none exists.
	Load(ctx context.Context, id string) (snap Snapshot, ok bool, err error)
}
