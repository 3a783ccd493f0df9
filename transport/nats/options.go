package nats

import (
	"log/slog"

	"github.com/rbaliyan/cepstream/transport"
)

// Default configuration values
var (
	// DefaultSnapshotSubject receives snapshot requests
	DefaultSnapshotSubject = "cepstream.snapshot"

	// DefaultBufferSize is the inbound frame buffer
	DefaultBufferSize uint = 1024
)

type options struct {
	name            string
	snapshotSubject string
	bufferSize      uint
	logger          *slog.Logger
}

// Option configures the NATS conn
type Option func(*options)

// WithSnapshotSubject sets the subject snapshot requests are sent to
func WithSnapshotSubject(subject string) Option {
	return func(o *options) {
		if subject != "" {
			o.snapshotSubject = subject
		}
	}
}

// WithBufferSize sets the inbound frame buffer
func WithBufferSize(size uint) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// WithName sets the client name reported to the server by Dial
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		name:            "cepstream",
		snapshotSubject: DefaultSnapshotSubject,
		bufferSize:      DefaultBufferSize,
		logger:          transport.Logger("transport>nats"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
