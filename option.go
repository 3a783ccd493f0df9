package cepstream

import (
	"context"
	"log/slog"

	"github.com/rbaliyan/cepstream/transport/codec"
)

// DefaultBusName is used when no name is given
const DefaultBusName = "cepstream"

// busOptions holds configuration for bus (unexported)
type busOptions struct {
	name           string
	codec          codec.Codec
	logger         *slog.Logger
	metrics        Metrics
	tracingEnabled bool
	tickHandler    func(ctx context.Context)
}

// BusOption option function for bus configuration
type BusOption func(*busOptions)

// WithName sets the bus name
func WithName(name string) BusOption {
	return func(o *busOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithCodec sets the payload codec
func WithCodec(c codec.Codec) BusOption {
	return func(o *busOptions) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger sets a custom logger for the bus
func WithLogger(l *slog.Logger) BusOption {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) BusOption {
	return func(o *busOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracing enables/disables OpenTelemetry spans around publish and dispatch
func WithTracing(enabled bool) BusOption {
	return func(o *busOptions) {
		o.tracingEnabled = enabled
	}
}

// WithTickHandler sets a callback run on the loop goroutine at every
// heartbeat tick. It must not block.
func WithTickHandler(fn func(ctx context.Context)) BusOption {
	return func(o *busOptions) {
		o.tickHandler = fn
	}
}

// newBusOptions creates options with defaults and applies provided options
func newBusOptions(opts ...BusOption) *busOptions {
	o := &busOptions{
		name:           DefaultBusName,
		codec:          codec.Default(),
		logger:         slog.Default(),
		metrics:        dummyMetrics{},
		tracingEnabled: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
