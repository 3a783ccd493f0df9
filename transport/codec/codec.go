// Package codec provides Event serialization/deserialization implementations
// for the bus wire payload.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//
// Both codecs encode sparsely: optional fields left unset are omitted from the
// payload, and decoding leaves fields missing from the payload unset. Unknown
// top-level keys are ignored on decode so newer producers can add fields.
package codec

import (
	"errors"

	"github.com/rbaliyan/cepstream/transport/message"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode event")
	ErrDecodeFailure = errors.New("failed to decode event")
)

// Event is the event type handled by codecs
type Event = message.Event

// Codec handles Event serialization/deserialization for transports.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes an event to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(ev *Event) ([]byte, error)

	// Decode deserializes bytes to an event.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (*Event, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under name.
// An empty name selects the default codec.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	default:
		return nil, errors.New("unknown codec: " + name)
	}
}
