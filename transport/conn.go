package transport

import (
	"context"
	"time"
)

// Frame is one two-part stream message: a topic header and a payload.
type Frame struct {
	Topic   string
	Payload []byte
}

// Conn is a broker connection exposing the three logical channels the
// transport needs: bootstrap, inbound stream and outbound stream.
//
// Inbound and Errors are read only by the transport's loop goroutine.
// Send is serialized by the transport and need not be safe for concurrent use.
type Conn interface {
	// Snapshot sends request on the bootstrap channel and returns the stream
	// of replies. The stream reports io.EOF when the channel has no more data.
	Snapshot(ctx context.Context, request []byte) (ReplyStream, error)

	// SubscribePrefix widens inbound delivery to topics starting with prefix.
	// An empty prefix means all topics.
	SubscribePrefix(prefix string) error

	// Inbound delivers received frames. A receive on it is the loop's
	// readiness signal.
	Inbound() <-chan Frame

	// Errors delivers fatal inbound-channel errors.
	Errors() <-chan error

	// Send writes one frame on the outbound channel.
	Send(ctx context.Context, f Frame) error

	// Close releases all channels.
	Close() error
}

// ReplyStream is the receive side of the bootstrap channel.
type ReplyStream interface {
	// Next blocks for the next reply. It returns io.EOF at end of stream.
	Next(ctx context.Context) ([]byte, error)

	// Close releases the stream.
	Close() error
}

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is functioning normally
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates the component is functioning but with issues
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates the component is not functioning
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status     HealthStatus                  `json:"status"`
	Message    string                        `json:"message,omitempty"`
	Latency    time.Duration                 `json:"latency,omitempty"`
	Details    map[string]any                `json:"details,omitempty"`
	Components map[string]*HealthCheckResult `json:"components,omitempty"`
	CheckedAt  time.Time                     `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is an optional interface that Conns can implement
// to provide health check capabilities for monitoring and readiness probes.
type HealthChecker interface {
	Health(ctx context.Context) *HealthCheckResult
}
