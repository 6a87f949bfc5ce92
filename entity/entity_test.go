package entity

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitwall/errors"
)

var (
	keyA = Key{SessionKey: 9158, DriverNumber: 1}
	keyB = Key{SessionKey: 9158, DriverNumber: 44}
	t0   = time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)
)

func created(t *testing.T, key Key) State {
	t.Helper()
	s := NewState(key)
	require.NoError(t, s.Apply(CreateDriver{Key: key, NameAcronym: "VER", TeamName: "Red Bull Racing"}))
	return s
}

func TestKey(t *testing.T) {
	k, err := NewKey(9158, 1)
	require.NoError(t, err)
	assert.Equal(t, "9158_1", k.String())

	parsed, err := ParseKey("9158_1")
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	for _, bad := range []string{"9158", "x_1", "9158_y", "0_1", "9158_100", "-1_3"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, bad)
		assert.True(t, errors.IsInvalid(err), bad)
	}
}

func TestCreateInitializesWithZeroLiveFields(t *testing.T) {
	s := created(t, keyA)
	assert.True(t, s.Initialized)
	assert.Equal(t, "VER", s.Identity.NameAcronym)
	assert.Zero(t, s.Telemetry)
	assert.Zero(t, s.Position)
	assert.Zero(t, s.Interval)
	assert.True(t, s.Timestamp.IsZero())
	assert.Empty(t, s.Laps)
}

func TestCreateIsIdempotent(t *testing.T) {
	s := created(t, keyA)
	before := s.Clone()
	require.NoError(t, s.Apply(CreateDriver{Key: keyA, NameAcronym: "PER"}))
	assert.Empty(t, cmp.Diff(before, s))
}

func TestUpdatesBeforeCreateFail(t *testing.T) {
	s := NewState(keyA)
	err := s.Apply(UpdatePosition{Key: keyA, Position: 1, Timestamp: t0})
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
	assert.ErrorIs(t, s.Check(GetState{Key: keyA}), errors.ErrNotInitialized)
	assert.NoError(t, s.Check(StopEntity{Key: keyA}))
	assert.False(t, s.Initialized)
}

func TestTimestampNeverMovesBackward(t *testing.T) {
	s := created(t, keyA)
	t1 := t0.Add(time.Second)

	require.NoError(t, s.Apply(UpdateTelemetry{Key: keyA, Telemetry: Telemetry{Speed: 300}, Timestamp: t1}))
	require.NoError(t, s.Apply(UpdateTelemetry{Key: keyA, Telemetry: Telemetry{Speed: 280}, Timestamp: t0}))

	assert.Equal(t, t1, s.Timestamp)
	assert.Equal(t, 280, s.Telemetry.Speed)
}

func TestKeyMismatchLeavesStateUntouched(t *testing.T) {
	s := created(t, keyA)
	require.NoError(t, s.Apply(UpdatePosition{Key: keyA, Position: 3, Timestamp: t0}))
	before := s.Clone()

	updates := []Update{
		UpdatePosition{Key: keyB, Position: 1, Timestamp: t0.Add(time.Minute)},
		RecordLap{Key: keyB, Lap: Lap{Number: 1}},
		RecordPitStop{Key: keyB, PitStop: PitStop{LapNumber: 1}},
		CreateDriver{Key: keyB},
	}
	for _, u := range updates {
		err := s.Apply(u)
		assert.ErrorIs(t, err, errors.ErrKeyMismatch, u.Kind())
		assert.Contains(t, err.Error(), "key not found in shard")
	}
	assert.Empty(t, cmp.Diff(before, s))
}

func TestLapsUpsertByNumber(t *testing.T) {
	s := created(t, keyA)
	require.NoError(t, s.Apply(RecordLap{Key: keyA, Lap: Lap{Number: 2, Duration: 95 * time.Second}}))
	require.NoError(t, s.Apply(RecordLap{Key: keyA, Lap: Lap{Number: 1, Duration: 99 * time.Second}}))
	require.NoError(t, s.Apply(RecordLap{Key: keyA, Lap: Lap{Number: 2, Duration: 94 * time.Second}}))

	require.Len(t, s.Laps, 2)
	assert.Equal(t, 1, s.Laps[0].Number)
	assert.Equal(t, 94*time.Second, s.Laps[1].Duration)
}

func TestStintsCloseAndReplace(t *testing.T) {
	s := created(t, keyA)
	require.NoError(t, s.Apply(RecordStint{Key: keyA, Stint: Stint{Number: 1, Compound: "SOFT", LapStart: 1}}))
	require.NoError(t, s.Apply(RecordStint{Key: keyA, Stint: Stint{Number: 2, Compound: "HARD", LapStart: 18}}))

	require.Len(t, s.Stints, 2)
	assert.Equal(t, 17, s.Stints[0].LapEnd)
	assert.True(t, s.Stints[1].Open())

	// same start lap replaces
	require.NoError(t, s.Apply(RecordStint{Key: keyA, Stint: Stint{Number: 2, Compound: "MEDIUM", LapStart: 18}}))
	require.Len(t, s.Stints, 2)
	assert.Equal(t, "MEDIUM", s.Stints[1].Compound)

	// a stint starting on the same lap as the open one's start never ends before it began
	s2 := created(t, keyA)
	require.NoError(t, s2.Apply(RecordStint{Key: keyA, Stint: Stint{Number: 1, LapStart: 5}}))
	require.NoError(t, s2.Apply(RecordStint{Key: keyA, Stint: Stint{Number: 2, LapStart: 6}}))
	assert.Equal(t, 5, s2.Stints[0].LapEnd)
}

func TestPitStopsAppend(t *testing.T) {
	s := created(t, keyA)
	stop := PitStop{LapNumber: 17, Duration: 22 * time.Second, Date: t0}
	require.NoError(t, s.Apply(RecordPitStop{Key: keyA, PitStop: stop}))
	require.NoError(t, s.Apply(RecordPitStop{Key: keyA, PitStop: stop}))
	assert.Len(t, s.PitStops, 2)
}

func TestCloneIsDeep(t *testing.T) {
	s := created(t, keyA)
	gap := 1.5
	require.NoError(t, s.Apply(UpdateInterval{Key: keyA, Interval: Interval{GapToLeader: &gap}, Timestamp: t0}))
	require.NoError(t, s.Apply(RecordLap{Key: keyA, Lap: Lap{Number: 1}}))

	c := s.Clone()
	*c.Interval.GapToLeader = 9
	c.Laps[0].Number = 7
	assert.Equal(t, 1.5, *s.Interval.GapToLeader)
	assert.Equal(t, 1, s.Laps[0].Number)
}

func TestCodec(t *testing.T) {
	msg := UpdateTelemetry{Key: keyA, Telemetry: Telemetry{Speed: 312, Gear: 8}, Timestamp: t0}
	data, err := Marshal(msg)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	env, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, t0, env.Time)

	_, err = Decode(Envelope{Type: "warp_drive"})
	assert.ErrorIs(t, err, errors.ErrUnknownMessage)

	_, err = Unmarshal([]byte("{"))
	assert.True(t, errors.IsInvalid(err))
}

func TestReplyCodec(t *testing.T) {
	s := created(t, keyA)
	data, err := EncodeReply(StateReply{Key: keyA, State: s}, nil)
	require.NoError(t, err)
	reply, err := DecodeReply(data)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(StateReply{Key: keyA, State: s}, reply))

	data, err = EncodeReply(nil, errors.WrapInvalid(errors.ErrKeyMismatch, "Entity", "Handle", "44"))
	require.NoError(t, err)
	_, err = DecodeReply(data)
	assert.ErrorIs(t, err, errors.ErrKeyMismatch)
	assert.True(t, errors.IsInvalid(err))
}
