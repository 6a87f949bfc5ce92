package shard

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/persistence"
)

// Passivation reasons
const (
	reasonIdle           = "idle"
	reasonStopped        = "stopped"
	reasonNotInitialized = "not_initialized"
	reasonRecovery       = "recovery_failed"
	reasonConflict       = "sequence_conflict"
)

type request struct {
	ctx   context.Context
	msg   entity.Message
	reply chan response
}

type response struct {
	reply entity.Reply
	err   error
}

func (r request) respond(reply entity.Reply, err error) {
	select {
	case r.reply <- response{reply: reply, err: err}:
	default:
	}
}

// PersistenceID returns the journal id of the entity with the given id.
func PersistenceID(entityID string) string { return "driver-" + entityID }

// actor owns one entity. Only its goroutine touches state, seq and
// sinceSnapshot.
type actor struct {
	id            string
	persistenceID string
	shard         *shard

	state         entity.State
	seq           uint64
	sinceSnapshot int

	mailbox chan request
	done    chan struct{}
	logger  *slog.Logger
}

func newActor(id string, sh *shard) *actor {
	return &actor{
		id:            id,
		persistenceID: PersistenceID(id),
		shard:         sh,
		mailbox:       make(chan request, sh.store.cfg.MailboxSize),
		done:          make(chan struct{}),
		logger:        sh.store.logger.With("entity", id),
	}
}

func (a *actor) cfg() Config { return a.shard.store.cfg }

func (a *actor) run() {
	defer close(a.done)
	store := a.shard.store

	if err := a.recover(); err != nil {
		a.logger.Warn("Entity recovery failed", "error", err)
		a.passivate(reasonRecovery, err)
		return
	}

	var idle <-chan time.Time
	var timer *time.Timer
	if a.cfg().PassivateAfter > 0 {
		timer = time.NewTimer(a.cfg().PassivateAfter)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-store.quit:
			a.drain(errors.WrapTransient(errors.ErrShuttingDown, "Entity", "run", a.id))
			return
		case <-idle:
			a.passivate(reasonIdle, nil)
			return
		case req := <-a.mailbox:
			reason := a.handle(req)
			if reason != "" {
				a.passivate(reason, nil)
				return
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(a.cfg().PassivateAfter)
			}
		}
	}
}

// recover rebuilds state from the latest snapshot and the journal tail.
func (a *actor) recover() (err error) {
	start := time.Now()
	store := a.shard.store
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		store.metrics.recovered(outcome, time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg().PersistTimeout)
	defer cancel()

	a.state = entity.State{}
	snap, ok, err := store.snapshots.Load(ctx, a.persistenceID)
	if err != nil {
		return errors.WrapTransient(errors.ErrRecoveryFailed, "Entity", "recover", "load snapshot: "+err.Error())
	}
	if ok {
		if err := json.Unmarshal(snap.Data, &a.state); err != nil {
			return errors.WrapTransient(errors.ErrRecoveryFailed, "Entity", "recover", "decode snapshot: "+err.Error())
		}
		a.seq = snap.Sequence
	}

	err = store.journal.Replay(ctx, a.persistenceID, a.seq+1, func(rec persistence.Record) error {
		if rec.Sequence != a.seq+1 {
			return fmt.Errorf("sequence gap: have %d, got %d", a.seq, rec.Sequence)
		}
		msg, err := entity.Decode(entity.Envelope{Type: rec.Type, Data: rec.Data})
		if err != nil {
			return err
		}
		update, ok := msg.(entity.Update)
		if !ok {
			return fmt.Errorf("record %d holds non-update %s", rec.Sequence, rec.Type)
		}
		if err := a.state.Apply(update); err != nil {
			return err
		}
		a.seq = rec.Sequence
		a.sinceSnapshot++
		return nil
	})
	if err != nil {
		return errors.WrapTransient(errors.ErrRecoveryFailed, "Entity", "recover", "replay: "+err.Error())
	}

	if a.seq > 0 {
		a.logger.Debug("Entity recovered", "sequence", a.seq, "initialized", a.state.Initialized,
			"from_snapshot", ok)
	}
	return nil
}

// handle processes one request and returns a passivation reason, or "".
func (a *actor) handle(req request) string {
	store := a.shard.store
	msg := req.msg
	kind := msg.Kind()

	if err := a.state.Check(msg); err != nil {
		req.respond(nil, err)
		switch {
		case stderrors.Is(err, errors.ErrNotInitialized):
			store.metrics.message(kind, "not_initialized")
			a.logger.Debug("Message before create", "kind", kind)
			return reasonNotInitialized
		default:
			store.metrics.message(kind, "key_mismatch")
			a.logger.Debug("Key mismatch", "kind", kind, "key", msg.EntityKey().String())
			return ""
		}
	}

	switch m := msg.(type) {
	case entity.GetState:
		req.respond(entity.StateReply{Key: a.state.Key, State: a.state.Clone()}, nil)
		store.metrics.message(kind, "ok")
		return ""

	case entity.StopEntity:
		req.respond(entity.Stopped{Key: m.Key}, nil)
		store.metrics.message(kind, "ok")
		return reasonStopped

	case entity.CreateDriver:
		if a.state.Initialized {
			req.respond(entity.Created{Key: a.state.Key}, nil)
			store.metrics.message(kind, "duplicate")
			return ""
		}
		if reason, err := a.persistAndApply(m); err != nil {
			req.respond(nil, err)
			store.metrics.message(kind, "failed")
			return reason
		}
		req.respond(entity.Created{Key: m.Key}, nil)
		store.metrics.message(kind, "ok")
		return ""

	case entity.Update:
		if reason, err := a.persistAndApply(m); err != nil {
			req.respond(nil, err)
			store.metrics.message(kind, "failed")
			return reason
		}
		req.respond(entity.Ack{Key: a.state.Key}, nil)
		store.metrics.message(kind, "ok")
		return ""
	}

	req.respond(nil, errors.WrapInvalid(errors.ErrUnknownMessage, "Entity", "handle", kind))
	store.metrics.message(kind, "unknown")
	return ""
}

// persistAndApply journals u, applies it, snapshots when due and notifies.
// State is only touched after the journal write succeeds.
func (a *actor) persistAndApply(u entity.Update) (string, error) {
	store := a.shard.store

	env, err := entity.Encode(u)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg().PersistTimeout)
	defer cancel()

	rec := persistence.Record{
		PersistenceID: a.persistenceID,
		Sequence:      a.seq + 1,
		Type:          env.Type,
		Data:          env.Data,
		RecordID:      uuid.NewString(),
		Timestamp:     time.Now().UTC(),
	}
	if err := store.journal.Append(ctx, rec); err != nil {
		a.logger.Error("Journal append failed", "sequence", rec.Sequence, "error", err)
		if stderrors.Is(err, errors.ErrSequenceConflict) {
			return reasonConflict, err
		}
		return "", err
	}

	if err := a.state.Apply(u); err != nil {
		// Check passed, so only an unknown update type lands here
		return "", err
	}
	a.seq = rec.Sequence
	a.sinceSnapshot++

	if a.sinceSnapshot >= a.cfg().SnapshotEvery {
		a.snapshot(ctx)
	}

	if store.notifier != nil {
		if err := store.notifier.Notify(ctx, Updated{Key: a.state.Key, State: a.state.Clone()}); err != nil {
			a.logger.Debug("Update notification failed", "error", err)
		}
	}
	return "", nil
}

func (a *actor) snapshot(ctx context.Context) {
	store := a.shard.store
	data, err := json.Marshal(a.state)
	if err != nil {
		a.logger.Warn("Snapshot encode failed", "error", err)
		return
	}
	err = store.snapshots.Save(ctx, persistence.Snapshot{
		PersistenceID: a.persistenceID,
		Sequence:      a.seq,
		Data:          data,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("Snapshot save failed", "sequence", a.seq, "error", err)
		return
	}
	a.sinceSnapshot = 0
	store.metrics.snapshotSaved()
}

// passivate detaches the actor from its shard and hands any queued requests
// back to the shard, which routes them to a fresh instance.
func (a *actor) passivate(reason string, cause error) {
	a.shard.remove(a)
	a.shard.store.metrics.passivated(reason)
	a.logger.Debug("Entity passivated", "reason", reason)

	for {
		select {
		case req := <-a.mailbox:
			if cause != nil {
				req.respond(nil, cause)
				continue
			}
			a.shard.store.redeliver(req)
		default:
			return
		}
	}
}

// drain fails every queued request with err.
func (a *actor) drain(err error) {
	for {
		select {
		case req := <-a.mailbox:
			req.respond(nil, err)
		default:
			return
		}
	}
}
