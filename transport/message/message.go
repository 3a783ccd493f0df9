// Package message provides the core Event type used throughout the bus.
//
// This package is imported by the codec, transport and bus packages to avoid
// circular dependencies while providing a single measurement event type.
package message

import (
	"fmt"
	"maps"
)

// Event is a timestamped measurement travelling through the bus.
//
// Optional fields are pointers: nil means "not provided", which is distinct
// from a zero value and must survive encode/decode.
type Event struct {
	StreamID      string
	Timestamp     float64 // seconds
	Datatype      string
	Unit          string
	Value         *float64
	ObservedValue *float64
	ImputedValue  *float64
	Method        *string
	Confidence    *float64 // expected in [0,1], not validated
	Extras        map[string]any
}

// Float returns a pointer to v, for populating optional numeric fields.
func Float(v float64) *float64 { return &v }

// String returns a pointer to s, for populating optional string fields.
func String(s string) *string { return &s }

// Clone returns a copy of e that shares no mutable state with it.
// Extras is deep-copied; a nil Extras stays nil.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Value = cloneFloat(e.Value)
	out.ObservedValue = cloneFloat(e.ObservedValue)
	out.ImputedValue = cloneFloat(e.ImputedValue)
	out.Confidence = cloneFloat(e.Confidence)
	if e.Method != nil {
		out.Method = String(*e.Method)
	}
	if e.Extras != nil {
		out.Extras = CopyExtras(e.Extras)
	}
	return &out
}

// CopyExtras deep-copies an extras mapping. Nested maps and slices are copied;
// other values are copied by assignment. A nil input yields an empty map.
func CopyExtras(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyExtras(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return Float(*p)
}

// String implements fmt.Stringer with the fields useful in logs.
func (e *Event) String() string {
	if e == nil {
		return "Event(<nil>)"
	}
	return fmt.Sprintf("Event(stream_id=%s, value=%s, method=%s, confidence=%s)",
		e.StreamID, fmtFloat(e.Value), fmtString(e.Method), fmtFloat(e.Confidence))
}

func fmtFloat(p *float64) string {
	if p == nil {
		return "null"
	}
	return fmt.Sprintf("%g", *p)
}

func fmtString(p *string) string {
	if p == nil {
		return "null"
	}
	return *p
}
