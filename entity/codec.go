package entity

import (
	"encoding/json"
	"time"

	"github.com/c360/pitwall/errors"
)

// Envelope is the serialized form of a Message. Time is copied from the
// message's event time when it has one.
type Envelope struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time,omitempty"`
	Data json.RawMessage `json:"data"`
}

type decoder func(json.RawMessage) (Message, error)

func decodeAs[T Message](data json.RawMessage) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var decoders = map[string]decoder{
	KindCreateDriver:    decodeAs[CreateDriver],
	KindUpdateTelemetry: decodeAs[UpdateTelemetry],
	KindUpdatePosition:  decodeAs[UpdatePosition],
	KindUpdateInterval:  decodeAs[UpdateInterval],
	KindRecordLap:       decodeAs[RecordLap],
	KindRecordStint:     decodeAs[RecordStint],
	KindRecordPitStop:   decodeAs[RecordPitStop],
	KindGetState:        decodeAs[GetState],
	KindStopEntity:      decodeAs[StopEntity],
}

// Kinds lists every message kind the codec understands.
func Kinds() []string {
	out := make([]string, 0, len(decoders))
	for k := range decoders {
		out = append(out, k)
	}
	return out
}

// Encode wraps msg in an envelope.
func Encode(msg Message) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Codec", "Encode", msg.Kind())
	}
	env := Envelope{Type: msg.Kind(), Data: data}
	if t, ok := msg.(Timeable); ok {
		env.Time = t.EventTime()
	}
	return env, nil
}

// Decode rebuilds the typed message held by env.
func Decode(env Envelope) (Message, error) {
	dec, ok := decoders[env.Type]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownMessage, "Codec", "Decode", env.Type)
	}
	msg, err := dec(env.Data)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Codec", "Decode", env.Type+": "+err.Error())
	}
	return msg, nil
}

// Marshal encodes msg as envelope JSON.
func Marshal(msg Message) ([]byte, error) {
	env, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal decodes envelope JSON.
func Unmarshal(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "Codec", "Unmarshal", err.Error())
	}
	return Decode(env)
}

// ReplyEnvelope carries a reply or a coded failure between nodes.
type ReplyEnvelope struct {
	Kind  string          `json:"kind,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
}

// EncodeReply serializes a reply, or err when it is non-nil.
func EncodeReply(reply Reply, err error) ([]byte, error) {
	env := ReplyEnvelope{}
	if err != nil {
		env.Code = errors.Code(err)
		env.Error = err.Error()
	} else {
		data, mErr := json.Marshal(reply)
		if mErr != nil {
			return nil, errors.WrapInvalid(mErr, "Codec", "EncodeReply", ReplyKind(reply))
		}
		env.Kind = ReplyKind(reply)
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeReply is the inverse of EncodeReply. Remote failures come back as
// errors matching the original sentinel under errors.Is.
func DecodeReply(data []byte) (Reply, error) {
	var env ReplyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "Codec", "DecodeReply", err.Error())
	}
	if env.Code != "" {
		return nil, errors.FromCode(env.Code, env.Error)
	}

	var (
		reply Reply
		err   error
	)
	switch env.Kind {
	case "created":
		var r Created
		err = json.Unmarshal(env.Data, &r)
		reply = r
	case "ack":
		var r Ack
		err = json.Unmarshal(env.Data, &r)
		reply = r
	case "state":
		var r StateReply
		err = json.Unmarshal(env.Data, &r)
		reply = r
	case "stopped":
		var r Stopped
		err = json.Unmarshal(env.Data, &r)
		reply = r
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownMessage, "Codec", "DecodeReply", env.Kind)
	}
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Codec", "DecodeReply", err.Error())
	}
	return reply, nil
}
