package transport

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Default configuration values
var (
	// DefaultTickInterval is the heartbeat period of the read loop
	DefaultTickInterval = time.Second

	// DefaultSnapshotRequest is sent on the bootstrap channel
	DefaultSnapshotRequest = []byte("request_snapshot")

	// DefaultSnapshotFinished terminates the bootstrap reply stream
	DefaultSnapshotFinished = []byte("finished_snapshot")
)

// options holds configuration for transport (unexported)
type options struct {
	clock            clock.Clock
	tickInterval     time.Duration
	snapshotRequest  []byte
	snapshotFinished []byte
	logger           *slog.Logger
	onError          func(error)
}

// Option configures the transport
type Option func(*options)

// WithClock sets the clock driving tick deadlines
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithTickInterval sets the heartbeat interval of the read loop
func WithTickInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tickInterval = d
		}
	}
}

// WithSnapshotRequest sets the sentinel sent on the bootstrap channel
func WithSnapshotRequest(req string) Option {
	return func(o *options) {
		if req != "" {
			o.snapshotRequest = []byte(req)
		}
	}
}

// WithSnapshotFinished sets the reply that ends the bootstrap handshake
func WithSnapshotFinished(done string) Option {
	return func(o *options) {
		if done != "" {
			o.snapshotFinished = []byte(done)
		}
	}
}

// WithLogger sets the logger for transport
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback.
// Called for failed sends and fatal inbound errors.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		clock:            clock.New(),
		tickInterval:     DefaultTickInterval,
		snapshotRequest:  DefaultSnapshotRequest,
		snapshotFinished: DefaultSnapshotFinished,
		logger:           Logger("transport"),
		onError:          func(error) {},
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}
