package entity

import (
	"fmt"
	"slices"
	"time"

	"github.com/c360/pitwall/errors"
)

// Identity is set once by CreateDriver.
type Identity struct {
	BroadcastName string `json:"broadcast_name,omitempty"`
	FullName      string `json:"full_name,omitempty"`
	NameAcronym   string `json:"name_acronym,omitempty"`
	TeamName      string `json:"team_name,omitempty"`
	TeamColour    string `json:"team_colour,omitempty"`
	CountryCode   string `json:"country_code,omitempty"`
}

// Telemetry is one car data sample.
type Telemetry struct {
	Speed    int `json:"speed"`
	RPM      int `json:"rpm"`
	Gear     int `json:"gear"`
	Throttle int `json:"throttle"`
	Brake    int `json:"brake"`
	DRS      int `json:"drs"`
}

// Interval holds gaps in seconds. Nil means unknown (for example a lapped car).
type Interval struct {
	GapToLeader *float64 `json:"gap_to_leader,omitempty"`
	ToCarAhead  *float64 `json:"interval,omitempty"`
}

// Lap is one completed lap.
type Lap struct {
	Number      int           `json:"lap_number"`
	Duration    time.Duration `json:"lap_duration"`
	Sector1     time.Duration `json:"duration_sector_1"`
	Sector2     time.Duration `json:"duration_sector_2"`
	Sector3     time.Duration `json:"duration_sector_3"`
	IsPitOutLap bool          `json:"is_pit_out_lap"`
	DateStart   time.Time     `json:"date_start"`
}

// Stint is one set of tyres. LapEnd is zero while the stint is open.
type Stint struct {
	Number         int    `json:"stint_number"`
	Compound       string `json:"compound"`
	LapStart       int    `json:"lap_start"`
	LapEnd         int    `json:"lap_end"`
	TyreAgeAtStart int    `json:"tyre_age_at_start"`
}

// Open reports whether the stint has no end lap yet.
func (s Stint) Open() bool { return s.LapEnd == 0 }

// PitStop is one visit to the pit lane.
type PitStop struct {
	LapNumber int           `json:"lap_number"`
	Duration  time.Duration `json:"pit_duration"`
	Date      time.Time     `json:"date"`
}

// State is the full record of one driver in one session.
type State struct {
	Key         Key       `json:"key"`
	Initialized bool      `json:"initialized"`
	Identity    Identity  `json:"identity"`
	Telemetry   Telemetry `json:"telemetry"`
	Position    int       `json:"position"`
	Interval    Interval  `json:"interval"`
	Timestamp   time.Time `json:"timestamp"`
	Laps        []Lap     `json:"laps"`
	Stints      []Stint   `json:"stints"`
	PitStops    []PitStop `json:"pit_stops"`
}

// NewState returns the uninitialized state for key.
func NewState(key Key) State {
	return State{Key: key}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Laps = slices.Clone(s.Laps)
	out.Stints = slices.Clone(s.Stints)
	out.PitStops = slices.Clone(s.PitStops)
	if s.Interval.GapToLeader != nil {
		v := *s.Interval.GapToLeader
		out.Interval.GapToLeader = &v
	}
	if s.Interval.ToCarAhead != nil {
		v := *s.Interval.ToCarAhead
		out.Interval.ToCarAhead = &v
	}
	return out
}

// Check reports whether msg is acceptable in the current state. Create and
// stop are accepted before initialization; everything else needs an
// initialized entity whose key matches.
func (s State) Check(msg Message) error {
	switch msg.(type) {
	case StopEntity:
		return nil
	case CreateDriver:
		if s.Initialized && msg.EntityKey() != s.Key {
			return errors.WrapInvalid(errors.ErrKeyMismatch, "State", "Check", msg.EntityKey().String())
		}
		return nil
	}
	if !s.Initialized {
		return errors.WrapInvalid(errors.ErrNotInitialized, "State", "Check", msg.Kind())
	}
	if msg.EntityKey() != s.Key {
		return errors.WrapInvalid(errors.ErrKeyMismatch, "State", "Check",
			fmt.Sprintf("%s sent to %s", msg.EntityKey(), s.Key))
	}
	return nil
}

// Apply mutates s with an update. Callers run Check first; Apply repeats the
// check so a replayed journal cannot corrupt state.
func (s *State) Apply(u Update) error {
	if err := s.Check(u); err != nil {
		return err
	}
	switch m := u.(type) {
	case CreateDriver:
		if s.Initialized {
			return nil
		}
		s.Key = m.Key
		s.Initialized = true
		s.Identity = Identity{
			BroadcastName: m.BroadcastName,
			FullName:      m.FullName,
			NameAcronym:   m.NameAcronym,
			TeamName:      m.TeamName,
			TeamColour:    m.TeamColour,
			CountryCode:   m.CountryCode,
		}
	case UpdateTelemetry:
		s.Telemetry = m.Telemetry
		s.advance(m.Timestamp)
	case UpdatePosition:
		s.Position = m.Position
		s.advance(m.Timestamp)
	case UpdateInterval:
		s.Interval = m.Interval
		s.advance(m.Timestamp)
	case RecordLap:
		s.upsertLap(m.Lap)
	case RecordStint:
		s.applyStint(m.Stint)
	case RecordPitStop:
		s.PitStops = append(s.PitStops, m.PitStop)
	default:
		return errors.WrapInvalid(errors.ErrUnknownMessage, "State", "Apply", u.Kind())
	}
	return nil
}

// advance moves the timestamp forward only.
func (s *State) advance(t time.Time) {
	if t.After(s.Timestamp) {
		s.Timestamp = t
	}
}

func (s *State) upsertLap(lap Lap) {
	i, found := slices.BinarySearchFunc(s.Laps, lap.Number, func(l Lap, n int) int { return l.Number - n })
	if found {
		s.Laps[i] = lap
		return
	}
	s.Laps = slices.Insert(s.Laps, i, lap)
}

// applyStint replaces a stint with the same start lap, otherwise closes any
// earlier open stint at the lap before the new one starts.
func (s *State) applyStint(st Stint) {
	for i := range s.Stints {
		if s.Stints[i].LapStart == st.LapStart {
			s.Stints[i] = st
			return
		}
	}
	for i := range s.Stints {
		open := &s.Stints[i]
		if open.Open() && open.LapStart < st.LapStart {
			open.LapEnd = max(open.LapStart, st.LapStart-1)
		}
	}
	i, _ := slices.BinarySearchFunc(s.Stints, st.LapStart, func(x Stint, n int) int { return x.LapStart - n })
	s.Stints = slices.Insert(s.Stints, i, st)
}
