package kafka

import (
	"log/slog"

	"github.com/rbaliyan/cepstream/transport"
)

// Default configuration values
var (
	DefaultStreamTopic   = "cepstream.stream"
	DefaultRequestTopic  = "cepstream.snapshot.requests"
	DefaultSnapshotTopic = "cepstream.snapshot"

	// DefaultBufferSize is the inbound frame buffer
	DefaultBufferSize uint = 1024
)

type options struct {
	streamTopic       string
	requestTopic      string
	snapshotTopic     string
	snapshotPartition int32
	bufferSize        uint
	logger            *slog.Logger
}

// Option configures the Kafka conn
type Option func(*options)

// WithStreamTopic sets the topic all frames are produced to and consumed from
func WithStreamTopic(topic string) Option {
	return func(o *options) {
		if topic != "" {
			o.streamTopic = topic
		}
	}
}

// WithRequestTopic sets the topic snapshot requests are produced to
func WithRequestTopic(topic string) Option {
	return func(o *options) {
		if topic != "" {
			o.requestTopic = topic
		}
	}
}

// WithSnapshotTopic sets the topic and partition snapshot replies are read from
func WithSnapshotTopic(topic string, partition int32) Option {
	return func(o *options) {
		if topic != "" {
			o.snapshotTopic = topic
		}
		if partition >= 0 {
			o.snapshotPartition = partition
		}
	}
}

// WithBufferSize sets the inbound frame buffer
func WithBufferSize(size uint) Option {
	return func(o *options) {
		o.bufferSize = size
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
		streamTopic:   DefaultStreamTopic,
		requestTopic:  DefaultRequestTopic,
		snapshotTopic: DefaultSnapshotTopic,
		bufferSize:    DefaultBufferSize,
		logger:        transport.Logger("transport>kafka"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
