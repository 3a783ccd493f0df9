package cepstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/cepstream/transport"
	"github.com/rbaliyan/cepstream/transport/codec"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	busRunning = 1
	busStopped = 0
)

// Span attribute keys
const (
	spanKeyBus      = "cepstream.bus"
	spanKeyTopic    = "cepstream.topic"
	spanKeyStreamID = "cepstream.stream_id"
)

// StatusCode represents the health status of a component
type StatusCode string

const (
	// StatusHealthy indicates the bus is functioning normally
	StatusHealthy StatusCode = "healthy"
	// StatusDegraded indicates the bus is functioning but with issues
	StatusDegraded StatusCode = "degraded"
	// StatusUnhealthy indicates the bus is not functioning
	StatusUnhealthy StatusCode = "unhealthy"
)

// Status contains detailed status information for the bus
type Status struct {
	Code       StatusCode         `json:"status"`
	Message    string             `json:"message,omitempty"`
	Latency    time.Duration      `json:"latency,omitempty"`
	Details    map[string]any     `json:"details,omitempty"`
	Components map[string]*Status `json:"components,omitempty"`
	CheckedAt  time.Time          `json:"checked_at"`
}

// IsHealthy returns true if the status code is healthy
func (s *Status) IsHealthy() bool {
	return s.Code == StatusHealthy
}

// Bus routes events between a transport and registered handlers.
//
// Subscribe and Publish may be called from any goroutine. Handlers run on
// the transport's loop goroutine, one at a time, in arrival order.
type Bus struct {
	status      int32
	id          string
	name        string
	transport   *transport.Transport
	codec       codec.Codec
	routes      registry
	logger      *slog.Logger
	metrics     Metrics
	tracer      trace.Tracer
	tickHandler func(ctx context.Context)

	// set by dispatch, cleared by the tick that reports an idle interval
	received atomic.Bool
	dropLog  rate.Sometimes

	dispatched      atomic.Int64
	dropped         atomic.Int64
	handlerFailures atomic.Int64
}

// NewBus creates a bus over tr.
func NewBus(tr *transport.Transport, opts ...BusOption) (*Bus, error) {
	if tr == nil {
		return nil, ErrTransportRequired
	}
	o := newBusOptions(opts...)

	b := &Bus{
		status:      busRunning,
		id:          transport.NewID(),
		name:        o.name,
		transport:   tr,
		codec:       o.codec,
		logger:      o.logger.With("component", "bus>"+o.name),
		metrics:     o.metrics,
		tickHandler: o.tickHandler,
		dropLog:     rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	if o.tracingEnabled {
		b.tracer = otel.Tracer(o.name)
	}
	return b, nil
}

// ID returns the bus ID
func (b *Bus) ID() string {
	return b.id
}

// Name returns the bus name
func (b *Bus) Name() string {
	return b.name
}

// Running returns true if the bus has not been stopped
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// Transport returns the underlying transport
func (b *Bus) Transport() *transport.Transport {
	return b.transport
}

// Publish encodes ev and sends it on topic "<partition>.<streamID>". There
// is no retry or buffering; a failed send is logged and returned.
func (b *Bus) Publish(ctx context.Context, partition, streamID string, ev *Event) (err error) {
	if !b.Running() {
		return ErrBusClosed
	}
	if streamID == "" {
		return ErrStreamIDRequired
	}
	if err := validatePartition(partition); err != nil {
		return err
	}
	topic := Topic(partition, streamID)

	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, partition+".publish",
			trace.WithAttributes(
				attribute.String(spanKeyBus, b.name),
				attribute.String(spanKeyTopic, topic),
				attribute.String(spanKeyStreamID, streamID)),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	data, err := b.codec.Encode(ev)
	if err != nil {
		b.metrics.PublishFailed(partition)
		b.logger.Error("failed to encode event", "topic", topic, "error", err)
		return fmt.Errorf("encode %s: %w", topic, err)
	}

	if err := b.transport.Publish(ctx, topic, data); err != nil {
		b.metrics.PublishFailed(partition)
		b.logger.Error("failed to publish event", "topic", topic, "error", err)
		return err
	}

	b.metrics.Published(partition)
	b.logger.Debug("published event", "topic", topic)
	return nil
}

// Subscribe routes events of a partition to h. streamID is either a stream
// id for an exact route or Wildcard for the whole partition. Subscribing the
// same route again replaces its handler.
func (b *Bus) Subscribe(partition, streamID string, h Handler) error {
	if !b.Running() {
		return ErrBusClosed
	}
	if streamID == "" {
		return ErrStreamIDRequired
	}
	if h == nil {
		return ErrHandlerRequired
	}
	if err := validatePartition(partition); err != nil {
		return err
	}

	if b.routes.put(partition, streamID, h) {
		b.logger.Debug("replaced handler", "partition", partition, "stream_id", streamID)
	}

	prefix := Topic(partition, streamID)
	if streamID == Wildcard {
		prefix = partition + TopicSeparator
	}
	return b.transport.SubscribePrefix(prefix)
}

// Start performs the bootstrap handshake, then runs the read loop until ctx
// is done, Stop is called, or the inbound channel fails. Only the last case
// returns an error.
func (b *Bus) Start(ctx context.Context) error {
	if !b.Running() {
		return ErrBusClosed
	}

	b.logger.Info("waiting for snapshot")
	if err := b.transport.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	b.logger.Info("bus started", "routes", b.routes.len(), "tick_interval", b.transport.TickInterval())

	err := b.transport.Run(ctx, &loopHooks{bus: b, ctx: ctx})
	if err != nil {
		b.logger.Error("read loop failed", "error", err)
		return err
	}
	b.logger.Info("bus stopped")
	return nil
}

// Stop closes the transport, which ends a running Start. In-flight handlers
// finish first. Safe to call more than once.
func (b *Bus) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		return nil
	}
	return b.transport.Close(ctx)
}

// loopHooks binds the read loop to a bus and the context Start was given.
type loopHooks struct {
	bus *Bus
	ctx context.Context
}

func (h *loopHooks) OnMessage(f transport.Frame) {
	h.bus.dispatch(h.ctx, f)
}

func (h *loopHooks) OnTick() {
	h.bus.tick(h.ctx)
}

func (b *Bus) tick(ctx context.Context) {
	b.metrics.Tick()
	if !b.received.Swap(false) {
		b.logger.Debug("no events received in last interval")
	}
	if b.tickHandler != nil {
		b.tickHandler(ctx)
	}
}

// dispatch routes one frame to the best matching handler, decoding the
// payload only once a handler is found. Nothing it encounters is fatal to
// the loop.
func (b *Bus) dispatch(ctx context.Context, f transport.Frame) {
	b.received.Store(true)

	partition, streamID, err := ParseTopic(f.Topic)
	if err != nil {
		b.drop(DropInvalidTopic)
		b.logger.Warn("dropping message", "error", err)
		return
	}

	h, ok := b.routes.lookup(partition, streamID)
	if !ok {
		b.drop(DropNoHandler)
		b.dropLog.Do(func() {
			b.logger.Debug("no handler for topic", "topic", f.Topic)
		})
		return
	}

	ev, err := b.codec.Decode(f.Payload)
	if err != nil {
		b.drop(DropDecode)
		b.logger.Warn("dropping message", "error", &DecodeError{Topic: f.Topic, Err: err})
		return
	}

	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, partition+".dispatch",
			trace.WithAttributes(
				attribute.String(spanKeyBus, b.name),
				attribute.String(spanKeyTopic, f.Topic),
				attribute.String(spanKeyStreamID, streamID)),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	b.dispatched.Add(1)
	b.metrics.Dispatched(partition)

	if err := invoke(ctx, f.Topic, h, ev); err != nil {
		b.handlerFailures.Add(1)
		b.metrics.HandlerFailed(partition)
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		b.logger.Error("handler failed", "topic", f.Topic, "error", err, "panic", IsHandlerPanic(err))
	}
}

func (b *Bus) drop(reason string) {
	b.dropped.Add(1)
	b.metrics.Dropped(reason)
}

// invoke runs h, converting an error or panic into a *HandlerError.
func invoke(ctx context.Context, topic string, h Handler, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Topic: topic, Err: fmt.Errorf("panic: %v", r), Panic: r}
		}
	}()
	if herr := h(ctx, ev); herr != nil {
		return &HandlerError{Topic: topic, Err: herr}
	}
	return nil
}

// Status returns detailed status information about the bus and its transport.
func (b *Bus) Status(ctx context.Context) *Status {
	start := time.Now()
	result := &Status{
		CheckedAt: start,
		Details: map[string]any{
			"bus_name":         b.name,
			"routes":           b.routes.len(),
			"dispatched":       b.dispatched.Load(),
			"dropped":          b.dropped.Load(),
			"handler_failures": b.handlerFailures.Load(),
		},
		Components: make(map[string]*Status),
	}

	if !b.Running() {
		result.Code = StatusUnhealthy
		result.Message = "bus is closed"
		result.Latency = time.Since(start)
		return result
	}

	th := b.transport.Health(ctx)
	result.Components["transport"] = convertTransportStatus(th)
	switch th.Status {
	case transport.HealthStatusUnhealthy:
		result.Code = StatusUnhealthy
		result.Message = "transport is unhealthy"
	case transport.HealthStatusDegraded:
		result.Code = StatusDegraded
		result.Message = "transport is degraded"
	default:
		result.Code = StatusHealthy
		result.Message = "bus is healthy"
	}
	result.Latency = time.Since(start)
	return result
}

// Health performs a health check suitable for health probes.
// Returns nil if the bus is healthy, or an error describing the issue.
func (b *Bus) Health(ctx context.Context) error {
	status := b.Status(ctx)
	if status.Code == StatusUnhealthy {
		return errors.New(status.Message)
	}
	return nil
}

// convertTransportStatus converts transport.HealthCheckResult to bus Status
func convertTransportStatus(th *transport.HealthCheckResult) *Status {
	if th == nil {
		return nil
	}

	result := &Status{
		Code:      StatusCode(th.Status),
		Message:   th.Message,
		Latency:   th.Latency,
		Details:   th.Details,
		CheckedAt: th.CheckedAt,
	}

	if len(th.Components) > 0 {
		result.Components = make(map[string]*Status, len(th.Components))
		for k, v := range th.Components {
			result.Components[k] = convertTransportStatus(v)
		}
	}

	return result
}
