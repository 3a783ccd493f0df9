package redis

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/cepstream/transport"
)

// Default configuration values
var (
	// DefaultSnapshotKey prefixes the snapshot request and reply lists
	DefaultSnapshotKey = "cepstream:snapshot"

	// DefaultBlockTime bounds each BLPOP round trip while waiting for replies
	DefaultBlockTime = time.Second

	// DefaultBufferSize is the inbound frame buffer
	DefaultBufferSize uint = 1024
)

type options struct {
	snapshotKey string
	blockTime   time.Duration
	bufferSize  uint
	logger      *slog.Logger
}

// Option configures the Redis conn
type Option func(*options)

// WithSnapshotKey sets the key prefix of the snapshot lists
func WithSnapshotKey(key string) Option {
	return func(o *options) {
		if key != "" {
			o.snapshotKey = key
		}
	}
}

// WithBlockTime sets the BLPOP timeout used while waiting for replies.
// Next keeps blocking across timeouts until a reply arrives or ctx is done.
func WithBlockTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.blockTime = d
		}
	}
}

// WithBufferSize sets the inbound frame buffer
func WithBufferSize(size uint) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
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
		snapshotKey: DefaultSnapshotKey,
		blockTime:   DefaultBlockTime,
		bufferSize:  DefaultBufferSize,
		logger:      transport.Logger("transport>redis"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
