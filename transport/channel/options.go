package channel

import (
	"context"
	"log/slog"

	"github.com/rbaliyan/cepstream/transport"
)

// Default configuration values
var (
	// DefaultBufferSize is the inbound buffer of each conn
	DefaultBufferSize uint = 1024
)

// options holds configuration for the hub (unexported)
type options struct {
	bufferSize uint
	snapshot   SnapshotFunc
	logger     *slog.Logger
}

// Option configures the channel hub
type Option func(*options)

// WithBufferSize sets the inbound buffer size of each conn
func WithBufferSize(size uint) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// WithSnapshot sets the handler that answers snapshot requests
func WithSnapshot(fn SnapshotFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.snapshot = fn
		}
	}
}

// WithSnapshotReplies answers every snapshot request with replies, in order,
// and then ends the stream.
func WithSnapshotReplies(replies ...string) Option {
	return WithSnapshot(func(ctx context.Context, _ []byte, reply chan<- []byte) {
		defer close(reply)
		for _, r := range replies {
			select {
			case reply <- []byte(r):
			case <-ctx.Done():
				return
			}
		}
	})
}

// WithLogger sets the logger for the hub
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		bufferSize: DefaultBufferSize,
		logger:     transport.Logger("transport>channel"),
	}
	WithSnapshotReplies(string(transport.DefaultSnapshotFinished))(o)

	for _, opt := range opts {
		opt(o)
	}

	return o
}
