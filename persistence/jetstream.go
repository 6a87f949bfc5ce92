package persistence

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/natsclient"
	"github.com/c360/pitwall/pkg/retry"
)

// Defaults for the JetStream backend
const (
	DefaultJournalStream  = "PITWALL_JOURNAL"
	DefaultSnapshotBucket = "pitwall_snapshots"
	journalSubjectPrefix  = "pitwall.journal."
	sequenceHeader        = "Pitwall-Sequence"
)

// JetStreamConfig configures the JetStream journal and snapshot store.
type JetStreamConfig struct {
	Stream    string
	Bucket    string
	Replicas  int
	FetchWait time.Duration
	Logger    *slog.Logger
}

func (c *JetStreamConfig) defaults() {
	if c.Stream == "" {
		c.Stream = DefaultJournalStream
	}
	if c.Bucket == "" {
		c.Bucket = DefaultSnapshotBucket
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// subjectFor maps a persistence id onto a single subject token.
func subjectFor(id string) string {
	return journalSubjectPrefix + strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(id)
}

type tail struct {
	seq       uint64
	streamSeq uint64
}

// JetStreamJournal stores records on one JetStream stream with a subject per
// persistence id. Appends carry a message id for server-side dedupe and the
// expected last subject sequence so two writers for the same id conflict.
type JetStreamJournal struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    JetStreamConfig
	tails  *xsync.Map[string, tail]
	logger *slog.Logger
}

// NewJetStreamJournal provisions the journal stream and returns the journal.
func NewJetStreamJournal(ctx context.Context, client *natsclient.Client, cfg JetStreamConfig) (*JetStreamJournal, error) {
	cfg.defaults()

	js, err := client.JetStream()
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamJournal", "New", "jetstream context")
	}

	stream, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.Stream, error) {
		return client.CreateStream(ctx, jetstream.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{journalSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			Replicas:  cfg.Replicas,
			// dedupe window for retried appends
			Duplicates: 2 * time.Minute,
		})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamJournal", "New", "provision stream "+cfg.Stream)
	}

	return &JetStreamJournal{
		js:     js,
		stream: stream,
		cfg:    cfg,
		tails:  xsync.NewMap[string, tail](),
		logger: cfg.Logger.With("component", "jetstream-journal", "stream", cfg.Stream),
	}, nil
}

func (j *JetStreamJournal) tail(ctx context.Context, id string) (tail, error) {
	if t, ok := j.tails.Load(id); ok {
		return t, nil
	}
	raw, err := j.stream.GetLastMsgForSubject(ctx, subjectFor(id))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrMsgNotFound) {
			return tail{}, nil
		}
		return tail{}, errors.WrapTransient(err, "JetStreamJournal", "tail", id)
	}
	seq, err := strconv.ParseUint(raw.Header.Get(sequenceHeader), 10, 64)
	if err != nil {
		return tail{}, errors.WrapFatal(errors.ErrDataCorrupted, "JetStreamJournal", "tail",
			fmt.Sprintf("%s: bad sequence header at stream seq %d", id, raw.Sequence))
	}
	t := tail{seq: seq, streamSeq: raw.Sequence}
	j.tails.Store(id, t)
	return t, nil
}

// Append implements Journal.
func (j *JetStreamJournal) Append(ctx context.Context, rec Record) error {
	t, err := j.tail(ctx, rec.PersistenceID)
	if err != nil {
		return err
	}
	if rec.Sequence != t.seq+1 {
		return errors.WrapInvalid(errors.ErrSequenceConflict, "JetStreamJournal", "Append",
			fmt.Sprintf("%s: got sequence %d, want %d", rec.PersistenceID, rec.Sequence, t.seq+1))
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "JetStreamJournal", "Append", "marshal record")
	}
	msg := nats.NewMsg(subjectFor(rec.PersistenceID))
	msg.Data = data
	msg.Header.Set(sequenceHeader, strconv.FormatUint(rec.Sequence, 10))

	ack, err := j.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(rec.PersistenceID+":"+strconv.FormatUint(rec.Sequence, 10)),
		jetstream.WithExpectLastSequencePerSubject(t.streamSeq),
	)
	if err != nil {
		j.tails.Delete(rec.PersistenceID)
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(errors.ErrSequenceConflict, "JetStreamJournal", "Append", rec.PersistenceID)
		}
		return errors.WrapTransient(err, "JetStreamJournal", "Append", rec.PersistenceID)
	}
	if ack.Duplicate {
		j.logger.Debug("Duplicate append ignored", "id", rec.PersistenceID, "sequence", rec.Sequence)
	}
	j.tails.Store(rec.PersistenceID, tail{seq: rec.Sequence, streamSeq: ack.Sequence})
	return nil
}

// Replay implements Journal. It reads the subject with an ordered consumer
// starting at the stream position of fromSeq, up to the last message present
// when the call started.
func (j *JetStreamJournal) Replay(ctx context.Context, id string, fromSeq uint64, fn func(Record) error) error {
	j.tails.Delete(id)
	t, err := j.tail(ctx, id)
	if err != nil {
		return err
	}
	if t.seq == 0 || fromSeq > t.seq {
		return nil
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subjectFor(id)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	start, err := j.position(ctx, id, fromSeq, t)
	if err != nil {
		j.logger.Debug("Replay position lookup failed, reading whole subject", "id", id, "from", fromSeq, "error", err)
	}
	if start > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = start
	}

	cons, err := j.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return errors.WrapTransient(err, "JetStreamJournal", "Replay", "ordered consumer for "+id)
	}

	for {
		if err := ctx.Err(); err != nil {
			return errors.WrapTransient(err, "JetStreamJournal", "Replay", id)
		}
		msg, err := cons.Next(jetstream.FetchMaxWait(j.cfg.FetchWait))
		if err != nil {
			return errors.WrapTransient(err, "JetStreamJournal", "Replay", "next record for "+id)
		}
		meta, err := msg.Metadata()
		if err != nil {
			return errors.WrapTransient(err, "JetStreamJournal", "Replay", "metadata")
		}

		var rec Record
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			return errors.WrapFatal(errors.ErrDataCorrupted, "JetStreamJournal", "Replay",
				fmt.Sprintf("%s at stream seq %d", id, meta.Sequence.Stream))
		}
		if rec.Sequence >= fromSeq {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if meta.Sequence.Stream >= t.streamSeq {
			return nil
		}
	}
}

// position returns the stream sequence of record fromSeq of id, or 0 when
// the whole subject has to be read. Records of one id are gapless and each
// takes a stream sequence, so record fromSeq lies in
// [fromSeq, t.streamSeq-(t.seq-fromSeq)]. The range is bisected with
// next-by-subject lookups.
func (j *JetStreamJournal) position(ctx context.Context, id string, fromSeq uint64, t tail) (uint64, error) {
	switch {
	case fromSeq <= 1:
		return 0, nil
	case fromSeq == t.seq:
		return t.streamSeq, nil
	case t.seq-fromSeq >= t.streamSeq:
		return 0, nil
	}

	subject := subjectFor(id)
	next := func(at uint64) (uint64, uint64, error) {
		raw, err := j.stream.GetMsg(ctx, at, jetstream.WithGetMsgSubject(subject))
		if err != nil {
			return 0, 0, err
		}
		seq, err := strconv.ParseUint(raw.Header.Get(sequenceHeader), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad sequence header at stream seq %d", raw.Sequence)
		}
		return seq, raw.Sequence, nil
	}

	lo, hi := fromSeq, t.streamSeq-(t.seq-fromSeq)
	for lo < hi {
		mid := lo + (hi-lo)/2
		seq, at, err := next(mid)
		if err != nil {
			return 0, err
		}
		switch {
		case seq == fromSeq:
			return at, nil
		case seq > fromSeq:
			hi = mid - 1
		default:
			lo = at + 1
		}
	}

	seq, at, err := next(lo)
	if err != nil {
		return 0, err
	}
	if seq != fromSeq {
		return 0, fmt.Errorf("record %d of %s not found near stream seq %d", fromSeq, id, lo)
	}
	return at, nil
}

// HighestSequence implements Journal.
func (j *JetStreamJournal) HighestSequence(ctx context.Context, id string) (uint64, error) {
	t, err := j.tail(ctx, id)
	if err != nil {
		return 0, err
	}
	return t.seq, nil
}

// KVSnapshotStore keeps snapshots in a JetStream key-value bucket.
type KVSnapshotStore struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

// NewKVSnapshotStore provisions the snapshot bucket and returns the store.
func NewKVSnapshotStore(ctx context.Context, client *natsclient.Client, cfg JetStreamConfig) (*KVSnapshotStore, error) {
	cfg.defaults()

	bucket, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
		return client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "pitwall entity and coordinator snapshots",
			History:     1,
			Replicas:    cfg.Replicas,
			Storage:     jetstream.FileStorage,
		})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVSnapshotStore", "New", "provision bucket "+cfg.Bucket)
	}

	return &KVSnapshotStore{
		kv:     client.NewKVStore(bucket),
		logger: cfg.Logger.With("component", "kv-snapshots", "bucket", cfg.Bucket),
	}, nil
}

func snapshotKey(id string) string {
	return strings.NewReplacer(" ", "_", "*", "_", ">", "_").Replace(id)
}

var errStaleSnapshot = stderrors.New("stale snapshot")

// Save implements SnapshotStore. The write is a compare-and-set so a slower
// writer never replaces a newer snapshot.
func (s *KVSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.WrapInvalid(err, "KVSnapshotStore", "Save", "marshal snapshot")
	}

	err = s.kv.UpdateWithRetry(ctx, snapshotKey(snap.PersistenceID), func(current []byte) ([]byte, error) {
		if current != nil {
			var existing Snapshot
			if err := json.Unmarshal(current, &existing); err == nil && existing.Sequence > snap.Sequence {
				return nil, errStaleSnapshot
			}
		}
		return data, nil
	})
	if err != nil {
		if stderrors.Is(err, errStaleSnapshot) {
			return nil
		}
		return errors.WrapTransient(err, "KVSnapshotStore", "Save", snap.PersistenceID)
	}
	return nil
}

// Load implements SnapshotStore.
func (s *KVSnapshotStore) Load(ctx context.Context, id string) (Snapshot, bool, error) {
	entry, err := s.kv.Get(ctx, snapshotKey(id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, errors.WrapTransient(err, "KVSnapshotStore", "Load", id)
	}
	var snap Snapshot
	if err := json.Unmarshal(entry.Value, &snap); err != nil {
		return Snapshot{}, false, errors.WrapFatal(errors.ErrDataCorrupted, "KVSnapshotStore", "Load", id)
	}
	return snap, true, nil
}

var (
	_ Journal       = (*JetStreamJournal)(nil)
	_ SnapshotStore = (*KVSnapshotStore)(nil)
)
