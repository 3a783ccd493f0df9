// Package channel provides an in-memory broker and Conn implementation using
// Go channels.
//
// The Hub plays the broker role: it fans published frames out to every
// connected Conn whose subscribed prefixes match the topic, and answers
// snapshot requests on the bootstrap channel.
//
// IMPORTANT: delivery is best effort. A Conn whose inbound buffer is full
// drops frames, the way a PUB/SUB socket drops above its high-water mark.
// There is no persistence or redelivery.
//
// The channel backend is ideal for:
//   - Single-process pipelines
//   - Testing and development
package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/cepstream/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrConnClosed is returned by operations on a closed Conn.
var ErrConnClosed = errors.New("channel conn closed")

// SnapshotFunc answers one snapshot request. It sends replies on reply and
// closes it to signal end-of-stream. It runs on its own goroutine and should
// return when ctx is done.
type SnapshotFunc func(ctx context.Context, request []byte, reply chan<- []byte)

// Hub is an in-memory broker shared by Conns.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	bufferSize uint
	snapshot   SnapshotFunc
	logger     *slog.Logger

	requests atomic.Int64

	droppedCounter metric.Int64Counter
}

// NewHub creates a new in-memory broker.
func NewHub(opts ...Option) *Hub {
	o := newOptions(opts...)

	meter := otel.Meter("cepstream.transport.channel")
	droppedCounter, _ := meter.Int64Counter("cepstream.transport.channel.dropped",
		metric.WithDescription("Number of frames dropped by the channel hub"),
		metric.WithUnit("{message}"),
	)

	return &Hub{
		conns:          make(map[string]*Conn),
		bufferSize:     o.bufferSize,
		snapshot:       o.snapshot,
		logger:         o.logger,
		droppedCounter: droppedCounter,
	}
}

// Connect opens a new Conn on the hub.
func (h *Hub) Connect() *Conn {
	c := &Conn{
		id:       transport.NewID(),
		hub:      h,
		inbound:  make(chan transport.Frame, h.bufferSize),
		errs:     make(chan error, 1),
		prefixes: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	h.logger.Debug("conn opened", "conn", c.id)
	return c
}

// Publish fans a frame out to all matching conns. It never blocks.
func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) {
	f := transport.Frame{Topic: topic, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.conns {
		if !c.matches(topic) {
			continue
		}
		select {
		case c.inbound <- f:
		default:
			h.logger.Debug("dropping frame, inbound buffer full", "conn", c.id, "topic", topic)
			if h.droppedCounter != nil {
				h.droppedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("topic", topic),
					attribute.String("reason", "buffer_full"),
				))
			}
		}
	}
}

// SnapshotRequests returns how many snapshot requests the hub has answered.
func (h *Hub) SnapshotRequests() int {
	return int(h.requests.Load())
}

// Conns returns the number of open conns.
func (h *Hub) Conns() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	// No Publish holds the read lock now, so closing inbound cannot race a send.
	close(c.inbound)
}

// Conn implements transport.Conn on a Hub.
type Conn struct {
	id       string
	hub      *Hub
	inbound  chan transport.Frame
	errs     chan error
	closed   int32
	prefixMu sync.RWMutex
	prefixes map[string]struct{}
}

// ID returns the conn identifier
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) isOpen() bool {
	return atomic.LoadInt32(&c.closed) == 0
}

func (c *Conn) matches(topic string) bool {
	c.prefixMu.RLock()
	defer c.prefixMu.RUnlock()
	for p := range c.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Snapshot sends request to the hub's snapshot handler.
func (c *Conn) Snapshot(ctx context.Context, request []byte) (transport.ReplyStream, error) {
	if !c.isOpen() {
		return nil, ErrConnClosed
	}
	c.hub.requests.Add(1)

	sctx, cancel := context.WithCancel(ctx)
	replies := make(chan []byte)
	go c.hub.snapshot(sctx, request, replies)

	return &replyStream{replies: replies, cancel: cancel}, nil
}

// SubscribePrefix adds prefix to the conn's filter.
func (c *Conn) SubscribePrefix(prefix string) error {
	if !c.isOpen() {
		return ErrConnClosed
	}
	c.prefixMu.Lock()
	c.prefixes[prefix] = struct{}{}
	c.prefixMu.Unlock()
	return nil
}

// Inbound returns the receive channel
func (c *Conn) Inbound() <-chan transport.Frame {
	return c.inbound
}

// Errors returns the fatal error channel
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// Send publishes f on the hub.
func (c *Conn) Send(ctx context.Context, f transport.Frame) error {
	if !c.isOpen() {
		return ErrConnClosed
	}
	c.hub.Publish(ctx, f.Topic, f.Payload)
	return nil
}

// Break reports err as a fatal inbound failure, as a broken socket would.
func (c *Conn) Break(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// Close detaches the conn from the hub.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return ErrConnClosed
	}
	c.hub.remove(c)
	c.hub.logger.Debug("conn closed", "conn", c.id)
	return nil
}

// Health performs a health check on the conn
func (c *Conn) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details: map[string]any{
			"type":     "channel",
			"buffered": len(c.inbound),
		},
	}
	if !c.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "conn is closed"
	} else {
		result.Status = transport.HealthStatusHealthy
		result.Message = "channel conn is healthy"
	}
	result.Latency = time.Since(start)
	return result
}

type replyStream struct {
	replies <-chan []byte
	cancel  context.CancelFunc
}

func (s *replyStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-s.replies:
		if !ok {
			return nil, io.EOF
		}
		return r, nil
	}
}

func (s *replyStream) Close() error {
	s.cancel()
	return nil
}

// Compile-time interface checks
var (
	_ transport.Conn          = (*Conn)(nil)
	_ transport.HealthChecker = (*Conn)(nil)
)
