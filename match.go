package cepstream

import (
	"context"
	"log/slog"

	"github.com/rbaliyan/cepstream/transport/message"
)

// PatternKey is the extras key a matched event carries its pattern name under.
const PatternKey = "pattern"

// Engine evaluates patterns over ingested events. Matches are reported
// asynchronously through the MatchFunc the engine was built with.
type Engine interface {
	Ingest(ctx context.Context, ev *Event) error
}

// MatchFunc receives the events that satisfied a named pattern. matched is
// never retained by the engine after the call returns.
type MatchFunc func(ctx context.Context, pattern string, matched []*Event)

// Publisher sends an event on "<partition>.<streamID>". *Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, partition, streamID string, ev *Event) error
}

var _ Publisher = (*Bus)(nil)

type matchOptions struct {
	partition string
	logger    *slog.Logger
}

// MatchOption configures a MatchAdapter
type MatchOption func(*matchOptions)

// PublishTo sets the partition matched events are published to
// (default PartitionMatched).
func PublishTo(partition string) MatchOption {
	return func(o *matchOptions) {
		if partition != "" {
			o.partition = partition
		}
	}
}

// WithMatchLogger sets the logger used for publish failures in MatchFunc.
func WithMatchLogger(l *slog.Logger) MatchOption {
	return func(o *matchOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// MatchAdapter turns engine matches into events on the matched partition.
type MatchAdapter struct {
	pub       Publisher
	partition string
	logger    *slog.Logger
}

// NewMatchAdapter creates an adapter publishing through pub.
func NewMatchAdapter(pub Publisher, opts ...MatchOption) *MatchAdapter {
	o := &matchOptions{
		partition: PartitionMatched,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &MatchAdapter{
		pub:       pub,
		partition: o.partition,
		logger:    o.logger.With("component", "match"),
	}
}

// OnMatch publishes one event for a match. The event carries the scalar
// fields of the first matched record and a copy of its extras with
// extras["pattern"] set to the pattern name. An empty batch publishes
// nothing.
func (a *MatchAdapter) OnMatch(ctx context.Context, pattern string, matched []*Event) error {
	if len(matched) == 0 || matched[0] == nil {
		return nil
	}
	src := matched[0]

	ev := &Event{
		StreamID:      src.StreamID,
		Timestamp:     src.Timestamp,
		Datatype:      src.Datatype,
		Unit:          src.Unit,
		Value:         src.Value,
		ObservedValue: src.ObservedValue,
		ImputedValue:  src.ImputedValue,
		Method:        src.Method,
		Confidence:    src.Confidence,
		Extras:        message.CopyExtras(src.Extras),
	}
	ev.Extras[PatternKey] = pattern

	return a.pub.Publish(ctx, a.partition, ev.StreamID, ev)
}

// MatchFunc returns OnMatch as an engine callback. Publish errors are logged,
// since the engine has nowhere to return them.
func (a *MatchAdapter) MatchFunc() MatchFunc {
	return func(ctx context.Context, pattern string, matched []*Event) {
		if err := a.OnMatch(ctx, pattern, matched); err != nil {
			a.logger.Error("failed to publish match", "pattern", pattern, "error", err)
		}
	}
}
