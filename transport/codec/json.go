package codec

import (
	"encoding/json"
	"errors"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable output.
type JSON struct{}

// jsonEvent is the JSON wire format
type jsonEvent struct {
	StreamID      string         `json:"stream_id,omitempty"`
	Timestamp     float64        `json:"timestamp"`
	Datatype      string         `json:"datatype,omitempty"`
	Unit          string         `json:"unit,omitempty"`
	Value         *float64       `json:"value,omitempty"`
	ObservedValue *float64       `json:"observed_value,omitempty"`
	ImputedValue  *float64       `json:"imputed_value,omitempty"`
	Method        *string        `json:"method,omitempty"`
	Confidence    *float64       `json:"confidence,omitempty"`
	Extras        map[string]any `json:"extras,omitempty"`
}

// Encode serializes an event to JSON bytes
func (c JSON) Encode(ev *Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.Join(ErrEncodeFailure, errNilEvent)
	}

	data, err := json.Marshal(jsonEvent{
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

// Decode deserializes JSON bytes to an event
func (c JSON) Decode(data []byte) (*Event, error) {
	var je jsonEvent
	if err := json.Unmarshal(data, &je); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	return &Event{
		StreamID:      je.StreamID,
		Timestamp:     je.Timestamp,
		Datatype:      je.Datatype,
		Unit:          je.Unit,
		Value:         je.Value,
		ObservedValue: je.ObservedValue,
		ImputedValue:  je.ImputedValue,
		Method:        je.Method,
		Confidence:    je.Confidence,
		Extras:        je.Extras,
	}, nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

var errNilEvent = errors.New("nil event")

// Compile-time check
var _ Codec = JSON{}
