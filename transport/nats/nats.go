// Package nats provides a NATS Core implementation of transport.Conn.
//
// Topics map directly onto subjects. A prefix subscription ending in "."
// becomes a "prefix.>" wildcard subscription; the empty prefix subscribes to
// ">" (everything). Delivery is at-most-once: frames arriving while the
// inbound buffer is full are dropped.
//
// The bootstrap channel is request/reply: the snapshot request is published
// to the snapshot subject with a private inbox as reply subject, and replies
// are read from a synchronous subscription on that inbox.
package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/cepstream/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Errors
var (
	ErrConnRequired = errors.New("nats connection is required")
	ErrConnClosed   = errors.New("nats conn closed")
)

// Conn implements transport.Conn over a NATS connection.
type Conn struct {
	status   int32
	nc       *nats.Conn
	ownsConn bool

	snapshotSubject string
	inbound         chan transport.Frame
	errs            chan error
	logger          *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	droppedCounter metric.Int64Counter
}

// Dial connects to the NATS server at url and returns a Conn that owns the
// connection. Closing the Conn closes the connection. The connection never
// reconnects: losing the server is reported once on Errors.
func Dial(url string, opts ...Option) (*Conn, error) {
	o := newOptions(opts...)
	c := newConn(o)

	nc, err := nats.Connect(url,
		nats.Name(o.name),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) { c.fail(nats.ErrConnectionClosed) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if !c.isOpen() {
				return
			}
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			c.logger.Warn("nats disconnected", "error", err)
			c.fail(err)
		}),
	)
	if err != nil {
		return nil, transport.OpenError(transport.ChannelInbound, err)
	}
	c.nc = nc
	c.ownsConn = true
	return c, nil
}

// New wraps an existing NATS connection. The caller keeps ownership of nc;
// Close only removes the subscriptions created by this Conn.
func New(nc *nats.Conn, opts ...Option) (*Conn, error) {
	if nc == nil {
		return nil, ErrConnRequired
	}
	c := newConn(newOptions(opts...))
	c.nc = nc
	return c, nil
}

func newConn(o *options) *Conn {
	meter := otel.Meter("cepstream.transport.nats")
	droppedCounter, _ := meter.Int64Counter("cepstream.transport.nats.dropped",
		metric.WithDescription("Number of frames dropped because the inbound buffer was full"),
		metric.WithUnit("{message}"),
	)

	return &Conn{
		status:          1,
		snapshotSubject: o.snapshotSubject,
		inbound:         make(chan transport.Frame, o.bufferSize),
		errs:            make(chan error, 1),
		logger:          o.logger,
		subs:            make(map[string]*nats.Subscription),
		droppedCounter:  droppedCounter,
	}
}

func (c *Conn) isOpen() bool {
	return atomic.LoadInt32(&c.status) == 1
}

// fail reports err once on the error channel while the conn is open.
func (c *Conn) fail(err error) {
	if !c.isOpen() {
		return
	}
	select {
	case c.errs <- err:
	default:
	}
}

// SubjectFor maps a topic prefix onto a NATS subject.
func SubjectFor(prefix string) string {
	switch {
	case prefix == "":
		return ">"
	case strings.HasSuffix(prefix, "."):
		return prefix + ">"
	default:
		return prefix
	}
}

// SubscribePrefix subscribes to the subject derived from prefix.
func (c *Conn) SubscribePrefix(prefix string) error {
	if !c.isOpen() {
		return ErrConnClosed
	}

	subject := SubjectFor(prefix)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[subject]; ok {
		return nil
	}
	sub, err := c.nc.Subscribe(subject, c.handleMsg)
	if err != nil {
		return err
	}
	c.subs[subject] = sub
	c.logger.Debug("subscribed", "subject", subject)
	return nil
}

func (c *Conn) handleMsg(m *nats.Msg) {
	if !c.isOpen() {
		return
	}
	select {
	case c.inbound <- transport.Frame{Topic: m.Subject, Payload: m.Data}:
	default:
		c.logger.Debug("dropping frame, inbound buffer full", "subject", m.Subject)
		if c.droppedCounter != nil {
			c.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("topic", m.Subject),
			))
		}
	}
}

// Inbound returns the receive channel
func (c *Conn) Inbound() <-chan transport.Frame {
	return c.inbound
}

// Errors returns the fatal error channel
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// Send publishes f.Payload on subject f.Topic.
func (c *Conn) Send(ctx context.Context, f transport.Frame) error {
	if !c.isOpen() {
		return ErrConnClosed
	}
	return c.nc.Publish(f.Topic, f.Payload)
}

// Snapshot publishes request to the snapshot subject and returns the stream
// of replies addressed to a fresh inbox.
func (c *Conn) Snapshot(ctx context.Context, request []byte) (transport.ReplyStream, error) {
	if !c.isOpen() {
		return nil, ErrConnClosed
	}

	inbox := nats.NewInbox()
	sub, err := c.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, err
	}
	if err := c.nc.PublishRequest(c.snapshotSubject, inbox, request); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	c.logger.Debug("snapshot requested", "subject", c.snapshotSubject, "inbox", inbox)
	return &replyStream{sub: sub}, nil
}

// Close unsubscribes everything and, for a dialed conn, closes
// the NATS connection.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.status, 1, 0) {
		return ErrConnClosed
	}

	c.mu.Lock()
	var errs []error
	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
		delete(c.subs, subject)
	}
	c.mu.Unlock()

	if c.ownsConn {
		c.nc.Close()
	}
	c.logger.Debug("conn closed")
	return errors.Join(errs...)
}

// Health reports the NATS connection state and round-trip time.
func (c *Conn) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "nats"},
	}

	if !c.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "conn is closed"
		result.Latency = time.Since(start)
		return result
	}

	status := c.nc.Status()
	result.Details["connection_status"] = status.String()
	if status != nats.CONNECTED {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "nats connection not healthy"
		result.Latency = time.Since(start)
		return result
	}

	rtt, err := c.nc.RTT()
	if err != nil {
		result.Status = transport.HealthStatusDegraded
		result.Message = "nats RTT check failed"
		result.Details["rtt_error"] = err.Error()
		result.Latency = time.Since(start)
		return result
	}

	c.mu.Lock()
	result.Details["subscriptions"] = len(c.subs)
	c.mu.Unlock()

	result.Status = transport.HealthStatusHealthy
	result.Message = "nats conn is healthy"
	result.Details["rtt_ms"] = rtt.Milliseconds()
	result.Details["server_url"] = c.nc.ConnectedUrl()
	result.Latency = time.Since(start)
	return result
}

type replyStream struct {
	sub *nats.Subscription
}

// Next returns the next reply. An unsubscribed inbox or a closed connection
// ends the stream.
func (s *replyStream) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	return msg.Data, nil
}

func (s *replyStream) Close() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

// Compile-time checks
var (
	_ transport.Conn          = (*Conn)(nil)
	_ transport.HealthChecker = (*Conn)(nil)
)
