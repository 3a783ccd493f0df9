// Package redis provides a Redis Pub/Sub implementation of transport.Conn.
//
// Topics are Redis channels. A prefix subscription becomes a PSUBSCRIBE on
// the glob-escaped prefix followed by "*". Pub/Sub is at-most-once: nothing
// is persisted and frames arriving while the inbound buffer is full are
// dropped.
//
// The bootstrap channel uses lists. The requester RPUSHes a SnapshotRequest
// onto "<snapshot key>:requests" naming a private reply list, then BLPOPs
// replies from that list. A responder pushes replies in order onto the reply
// list, ending with the finished sentinel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/cepstream/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Client defines the Redis operations the conn needs.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Errors
var (
	ErrClientRequired = errors.New("redis client is required")
	ErrConnClosed     = errors.New("redis conn closed")
	ErrPubSubClosed   = errors.New("redis pubsub closed")
)

// SnapshotRequest is the entry pushed onto the snapshot request list.
type SnapshotRequest struct {
	Request string `json:"request"`
	ReplyTo string `json:"reply_to"`
}

// RequestsKey returns the list snapshot requests are pushed onto.
func RequestsKey(snapshotKey string) string {
	return snapshotKey + ":requests"
}

// NextRequest pops the next snapshot request, blocking for at most block.
// It returns redis.Nil when none arrived in time.
func NextRequest(ctx context.Context, client Client, snapshotKey string, block time.Duration) (*SnapshotRequest, error) {
	res, err := client.BLPop(ctx, block, RequestsKey(snapshotKey)).Result()
	if err != nil {
		return nil, err
	}
	var req SnapshotRequest
	if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
		return nil, fmt.Errorf("decode snapshot request: %w", err)
	}
	return &req, nil
}

// Respond pushes replies onto the list named by req and expires the list
// after ttl so abandoned replies do not accumulate.
func Respond(ctx context.Context, client Client, req *SnapshotRequest, ttl time.Duration, replies ...[]byte) error {
	if len(replies) == 0 {
		return nil
	}
	values := make([]any, len(replies))
	for i, r := range replies {
		values[i] = r
	}
	if err := client.RPush(ctx, req.ReplyTo, values...).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return client.Expire(ctx, req.ReplyTo, ttl).Err()
	}
	return nil
}

// Conn implements transport.Conn over Redis Pub/Sub and lists.
type Conn struct {
	status     int32
	client     Client
	ownsClient bool

	snapshotKey string
	blockTime   time.Duration
	inbound     chan transport.Frame
	errs        chan error
	logger      *slog.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	patterns map[string]struct{}
	wg       sync.WaitGroup

	droppedCounter metric.Int64Counter
}

// Dial creates a client for addr, checks the server answers, and returns a
// Conn that owns the client. Commands are never retried.
func Dial(addr string, opts ...Option) (*Conn, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, transport.OpenError(transport.ChannelInbound, fmt.Errorf("ping %s: %w", addr, err))
	}
	c, err := New(client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.ownsClient = true
	return c, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client Client, opts ...Option) (*Conn, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	o := newOptions(opts...)

	meter := otel.Meter("cepstream.transport.redis")
	droppedCounter, _ := meter.Int64Counter("cepstream.transport.redis.dropped",
		metric.WithDescription("Number of frames dropped because the inbound buffer was full"),
		metric.WithUnit("{message}"),
	)

	return &Conn{
		status:         1,
		client:         client,
		snapshotKey:    o.snapshotKey,
		blockTime:      o.blockTime,
		inbound:        make(chan transport.Frame, o.bufferSize),
		errs:           make(chan error, 1),
		logger:         o.logger,
		patterns:       make(map[string]struct{}),
		droppedCounter: droppedCounter,
	}, nil
}

func (c *Conn) isOpen() bool {
	return atomic.LoadInt32(&c.status) == 1
}

func (c *Conn) fail(err error) {
	if !c.isOpen() {
		return
	}
	select {
	case c.errs <- err:
	default:
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// PatternFor maps a topic prefix onto a PSUBSCRIBE pattern.
func PatternFor(prefix string) string {
	return globEscaper.Replace(prefix) + "*"
}

// SubscribePrefix pattern-subscribes to every channel starting with prefix.
func (c *Conn) SubscribePrefix(prefix string) error {
	if !c.isOpen() {
		return ErrConnClosed
	}

	pattern := PatternFor(prefix)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.patterns[pattern]; ok {
		return nil
	}

	ctx := context.Background()
	if c.pubsub == nil {
		c.pubsub = c.client.PSubscribe(ctx, pattern)
		c.wg.Add(1)
		go c.pump(c.pubsub)
	} else if err := c.pubsub.PSubscribe(ctx, pattern); err != nil {
		return err
	}

	c.patterns[pattern] = struct{}{}
	c.logger.Debug("subscribed", "pattern", pattern)
	return nil
}

// pump forwards pubsub messages into the inbound buffer. The first receive
// error ends it: the pubsub is not resubscribed, and the error is reported
// unless the conn is closing.
func (c *Conn) pump(ps *redis.PubSub) {
	defer c.wg.Done()

	ctx := context.Background()
	for {
		m, err := ps.ReceiveMessage(ctx)
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrPubSubClosed, err))
			return
		}
		select {
		case c.inbound <- transport.Frame{Topic: m.Channel, Payload: []byte(m.Payload)}:
		default:
			c.logger.Debug("dropping frame, inbound buffer full", "channel", m.Channel)
			if c.droppedCounter != nil {
				c.droppedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("topic", m.Channel),
				))
			}
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

// Send publishes f.Payload on channel f.Topic.
func (c *Conn) Send(ctx context.Context, f transport.Frame) error {
	if !c.isOpen() {
		return ErrConnClosed
	}
	return c.client.Publish(ctx, f.Topic, f.Payload).Err()
}

// Snapshot pushes request onto the request list and returns a stream over a
// fresh reply list.
func (c *Conn) Snapshot(ctx context.Context, request []byte) (transport.ReplyStream, error) {
	if !c.isOpen() {
		return nil, ErrConnClosed
	}

	replyTo := fmt.Sprintf("%s:reply:%s", c.snapshotKey, transport.NewID())
	data, err := json.Marshal(SnapshotRequest{Request: string(request), ReplyTo: replyTo})
	if err != nil {
		return nil, err
	}
	if err := c.client.RPush(ctx, RequestsKey(c.snapshotKey), data).Err(); err != nil {
		return nil, err
	}

	c.logger.Debug("snapshot requested", "key", RequestsKey(c.snapshotKey), "reply_to", replyTo)
	return &replyStream{client: c.client, key: replyTo, block: c.blockTime}, nil
}

// Close unsubscribes and, for a dialed conn, closes the client.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.status, 1, 0) {
		return ErrConnClosed
	}

	var errs []error
	c.mu.Lock()
	if c.pubsub != nil {
		if err := c.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.mu.Unlock()
	c.wg.Wait()

	if c.ownsClient {
		if err := c.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Debug("conn closed")
	return errors.Join(errs...)
}

// Health pings Redis.
func (c *Conn) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "redis"},
	}

	if !c.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "conn is closed"
		result.Latency = time.Since(start)
		return result
	}

	pingStart := time.Now()
	if err := c.client.Ping(ctx).Err(); err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("redis ping failed: %v", err)
		result.Details["ping_error"] = err.Error()
		result.Latency = time.Since(start)
		return result
	}

	c.mu.Lock()
	result.Details["patterns"] = len(c.patterns)
	c.mu.Unlock()

	result.Status = transport.HealthStatusHealthy
	result.Message = "redis conn is healthy"
	result.Details["ping_latency_ms"] = time.Since(pingStart).Milliseconds()
	result.Latency = time.Since(start)
	return result
}

type replyStream struct {
	client Client
	key    string
	block  time.Duration
	closed atomic.Bool
}

// Next blocks on the reply list. A closed stream or client ends the stream.
func (s *replyStream) Next(ctx context.Context) ([]byte, error) {
	for {
		if s.closed.Load() {
			return nil, io.EOF
		}
		res, err := s.client.BLPop(ctx, s.block, s.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, redis.ErrClosed):
			return nil, io.EOF
		case err != nil:
			return nil, err
		}
		// BLPOP answers [key, value]
		if len(res) != 2 {
			return nil, fmt.Errorf("unexpected BLPOP reply of %d elements", len(res))
		}
		return []byte(res[1]), nil
	}
}

// Close removes whatever the responder left on the reply list.
func (s *replyStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.client.Del(context.Background(), s.key).Err()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

// Compile-time checks
var (
	_ transport.Conn          = (*Conn)(nil)
	_ transport.HealthChecker = (*Conn)(nil)
	_ Client                  = (*redis.Client)(nil)
)
