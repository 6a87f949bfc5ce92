package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/pitwall/errors"
)

// MemoryJournal keeps records in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string][]Record
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string][]Record)}
}

// Append implements Journal.
func (j *MemoryJournal) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "MemoryJournal", "Append", rec.PersistenceID)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	want := uint64(len(j.records[rec.PersistenceID])) + 1
	if rec.Sequence != want {
		return errors.WrapInvalid(errors.ErrSequenceConflict, "MemoryJournal", "Append",
			fmt.Sprintf("%s: got sequence %d, want %d", rec.PersistenceID, rec.Sequence, want))
	}
	j.records[rec.PersistenceID] = append(j.records[rec.PersistenceID], rec)
	return nil
}

// Replay implements Journal.
func (j *MemoryJournal) Replay(ctx context.Context, id string, fromSeq uint64, fn func(Record) error) error {
	j.mu.RLock()
	records := j.records[id]
	j.mu.RUnlock()

	for _, rec := range records {
		if rec.Sequence < fromSeq {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.WrapTransient(err, "MemoryJournal", "Replay", id)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// HighestSequence implements Journal.
func (j *MemoryJournal) HighestSequence(_ context.Context, id string) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.records[id])), nil
}

// IDs returns every persistence id with at least one record.
func (j *MemoryJournal) IDs() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	ids := make([]string, 0, len(j.records))
	for id := range j.records {
		ids = append(ids, id)
	}
	return ids
}

// MemorySnapshotStore keeps the latest snapshot per id in memory.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
	saves int
}

// NewMemorySnapshotStore creates an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]Snapshot)}
}

// Save implements SnapshotStore.
func (s *MemorySnapshotStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snaps[snap.PersistenceID]; ok && cur.Sequence > snap.Sequence {
		return nil
	}
	s.snaps[snap.PersistenceID] = snap
	s.saves++
	return nil
}

// Load implements SnapshotStore.
func (s *MemorySnapshotStore) Load(_ context.Context, id string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[id]
	return snap, ok, nil
}

// Saves returns how many snapshots were stored.
func (s *MemorySnapshotStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

var (
	_ Journal       = (*MemoryJournal)(nil)
	_ SnapshotStore = (*MemorySnapshotStore)(nil)
)
