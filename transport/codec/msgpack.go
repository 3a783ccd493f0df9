package codec

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while keeping the same sparse, schema-less layout.
//
// Integers inside Extras decode to the narrowest msgpack integer type
// (int8, uint16, ...); floats decode as float64.
type MsgPack struct{}

// msgpackEvent is the MessagePack wire format
type msgpackEvent struct {
	StreamID      string         `msgpack:"stream_id,omitempty"`
	Timestamp     float64        `msgpack:"timestamp"`
	Datatype      string         `msgpack:"datatype,omitempty"`
	Unit          string         `msgpack:"unit,omitempty"`
	Value         *float64       `msgpack:"value,omitempty"`
	ObservedValue *float64       `msgpack:"observed_value,omitempty"`
	ImputedValue  *float64       `msgpack:"imputed_value,omitempty"`
	Method        *string        `msgpack:"method,omitempty"`
	Confidence    *float64       `msgpack:"confidence,omitempty"`
	Extras        map[string]any `msgpack:"extras,omitempty"`
}

// Encode serializes an event to MessagePack bytes
func (c MsgPack) Encode(ev *Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.Join(ErrEncodeFailure, errNilEvent)
	}

	data, err := msgpack.Marshal(&msgpackEvent{
		StreamID:      ev.StreamID,
		Timestamp:     ev.Timestamp,
		Datatype:      ev.Datatype,
		Unit:          ev.Unit,
		Value:         ev.Value,
		ObservedValue: ev.ObservedValue,
		ImputedValue:  ev.ImputedValue,
		Method:        ev.Method,
		Confidence:    ev.Confidence,
		Extras:        ev.Extras,
	})
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes MessagePack bytes to an event
func (c MsgPack) Decode(data []byte) (*Event, error) {
	var me msgpackEvent
	if err := msgpack.Unmarshal(data, &me); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	return &Event{
		StreamID:      me.StreamID,
		Timestamp:     me.Timestamp,
		Datatype:      me.Datatype,
		Unit:          me.Unit,
		Value:         me.Value,
		ObservedValue: me.ObservedValue,
		ImputedValue:  me.ImputedValue,
		Method:        me.Method,
		Confidence:    me.Confidence,
		Extras:        me.Extras,
	}, nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
