package entity

import "time"

// Message kinds as they appear on the wire and in the journal.
const (
	KindCreateDriver    = "create_driver"
	KindUpdateTelemetry = "update_telemetry"
	KindUpdatePosition  = "update_position"
	KindUpdateInterval  = "update_interval"
	KindRecordLap       = "record_lap"
	KindRecordStint     = "record_stint"
	KindRecordPitStop   = "record_pit_stop"
	KindGetState        = "get_state"
	KindStopEntity      = "stop_entity"
)

// Identifiable is implemented by every message that can be routed to an entity.
type Identifiable interface {
	EntityKey() Key
}

// Timeable is implemented by messages that carry an event time.
type Timeable interface {
	EventTime() time.Time
}

// Message is a command addressed to one entity.
type Message interface {
	Identifiable
	Kind() string
}

// Update is a message that changes entity state and is journaled.
type Update interface {
	Message
	isUpdate()
}

// CreateDriver initializes an entity with its identity fields.
type CreateDriver struct {
	Key           Key    `json:"key"`
	BroadcastName string `json:"broadcast_name,omitempty"`
	FullName      string `json:"full_name,omitempty"`
	NameAcronym   string `json:"name_acronym,omitempty"`
	TeamName      string `json:"team_name,omitempty"`
	TeamColour    string `json:"team_colour,omitempty"`
	CountryCode   string `json:"country_code,omitempty"`
}

// UpdateTelemetry carries one car data sample.
type UpdateTelemetry struct {
	Key       Key       `json:"key"`
	Telemetry Telemetry `json:"telemetry"`
	Timestamp time.Time `json:"timestamp"`
}

// UpdatePosition carries the running order position.
type UpdatePosition struct {
	Key       Key       `json:"key"`
	Position  int       `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// UpdateInterval carries the gaps to the leader and the car ahead.
type UpdateInterval struct {
	Key       Key       `json:"key"`
	Interval  Interval  `json:"interval"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordLap upserts a completed lap by lap number.
type RecordLap struct {
	Key Key `json:"key"`
	Lap Lap `json:"lap"`
}

// RecordStint opens or replaces a tyre stint.
type RecordStint struct {
	Key   Key   `json:"key"`
	Stint Stint `json:"stint"`
}

// RecordPitStop appends a pit stop.
type RecordPitStop struct {
	Key     Key     `json:"key"`
	PitStop PitStop `json:"pit_stop"`
}

// GetState asks for a copy of the current state.
type GetState struct {
	Key Key `json:"key"`
}

// StopEntity passivates the entity.
type StopEntity struct {
	Key Key `json:"key"`
}

func (m CreateDriver) EntityKey() Key    { return m.Key }
func (m UpdateTelemetry) EntityKey() Key { return m.Key }
func (m UpdatePosition) EntityKey() Key  { return m.Key }
func (m UpdateInterval) EntityKey() Key  { return m.Key }
func (m RecordLap) EntityKey() Key       { return m.Key }
func (m RecordStint) EntityKey() Key     { return m.Key }
func (m RecordPitStop) EntityKey() Key   { return m.Key }
func (m GetState) EntityKey() Key        { return m.Key }
func (m StopEntity) EntityKey() Key      { return m.Key }

func (CreateDriver) Kind() string    { return KindCreateDriver }
func (UpdateTelemetry) Kind() string { return KindUpdateTelemetry }
func (UpdatePosition) Kind() string  { return KindUpdatePosition }
func (UpdateInterval) Kind() string  { return KindUpdateInterval }
func (RecordLap) Kind() string       { return KindRecordLap }
func (RecordStint) Kind() string     { return KindRecordStint }
func (RecordPitStop) Kind() string   { return KindRecordPitStop }
func (GetState) Kind() string        { return KindGetState }
func (StopEntity) Kind() string      { return KindStopEntity }

func (CreateDriver) isUpdate()    {}
func (UpdateTelemetry) isUpdate() {}
func (UpdatePosition) isUpdate()  {}
func (UpdateInterval) isUpdate()  {}
func (RecordLap) isUpdate()       {}
func (RecordStint) isUpdate()     {}
func (RecordPitStop) isUpdate()   {}

func (m UpdateTelemetry) EventTime() time.Time { return m.Timestamp }
func (m UpdatePosition) EventTime() time.Time  { return m.Timestamp }
func (m UpdateInterval) EventTime() time.Time  { return m.Timestamp }
func (m RecordLap) EventTime() time.Time       { return m.Lap.DateStart }
func (m RecordPitStop) EventTime() time.Time   { return m.PitStop.Date }

// Reply is the successful answer to a Message.
type Reply interface {
	replyKind() string
}

// Created acknowledges CreateDriver, including repeated creates.
type Created struct {
	Key Key `json:"key"`
}

// Ack acknowledges an applied update.
type Ack struct {
	Key Key `json:"key"`
}

// StateReply answers GetState.
type StateReply struct {
	Key   Key   `json:"key"`
	State State `json:"state"`
}

// Stopped acknowledges StopEntity.
type Stopped struct {
	Key Key `json:"key"`
}

func (Created) replyKind() string    { return "created" }
func (Ack) replyKind() string        { return "ack" }
func (StateReply) replyKind() string { return "state" }
func (Stopped) replyKind() string    { return "stopped" }

// ReplyKind returns the wire name of r.
func ReplyKind(r Reply) string { return r.replyKind() }
