// Package kafka provides a Kafka implementation of transport.Conn.
//
// All frames share one stream topic: the frame topic travels as the record
// key and the payload as the record value. Kafka has no prefix subscription,
// so every partition of the stream topic is consumed from the newest offset
// and records are filtered by key prefix on the client.
//
// The bootstrap channel is a request topic and a snapshot reply topic. The
// reply partition consumer is opened at the newest offset before the request
// is produced, so no reply can be missed. Requests and replies carry the same
// correlation key; replies for other requesters are skipped.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/cepstream/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Errors
var (
	ErrConsumerRequired = errors.New("kafka consumer is required")
	ErrProducerRequired = errors.New("kafka producer is required")
	ErrConnClosed       = errors.New("kafka conn closed")
	ErrConsumerClosed   = errors.New("kafka partition consumer closed")
)

// Conn implements transport.Conn over a sarama consumer and sync producer.
type Conn struct {
	status   int32
	consumer sarama.Consumer
	producer sarama.SyncProducer
	client   sarama.Client // set when the conn owns the client

	streamTopic       string
	requestTopic      string
	snapshotTopic     string
	snapshotPartition int32
	inbound           chan transport.Frame
	errs              chan error
	logger            *slog.Logger

	mu        sync.RWMutex
	prefixes  map[string]struct{}
	consuming bool
	pcs       []sarama.PartitionConsumer
	wg        sync.WaitGroup

	droppedCounter metric.Int64Counter
}

// NewConfig returns the sarama configuration Dial uses. Failed sends are
// not retried.
func NewConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = "cepstream"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 0
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	return cfg
}

// Dial connects to brokers and returns a Conn that owns the client.
func Dial(brokers []string, opts ...Option) (*Conn, error) {
	client, err := sarama.NewClient(brokers, NewConfig())
	if err != nil {
		return nil, transport.OpenError(transport.ChannelInbound, err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, transport.OpenError(transport.ChannelInbound, err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		consumer.Close()
		client.Close()
		return nil, transport.OpenError(transport.ChannelOutbound, err)
	}

	c, err := New(consumer, producer, opts...)
	if err != nil {
		return nil, err
	}
	c.client = client
	return c, nil
}

// New builds a Conn from an existing consumer and producer. The conn takes
// ownership of both and closes them on Close.
func New(consumer sarama.Consumer, producer sarama.SyncProducer, opts ...Option) (*Conn, error) {
	if consumer == nil {
		return nil, ErrConsumerRequired
	}
	if producer == nil {
		return nil, ErrProducerRequired
	}

	o := newOptions(opts...)

	meter := otel.Meter("cepstream.transport.kafka")
	droppedCounter, _ := meter.Int64Counter("cepstream.transport.kafka.dropped",
		metric.WithDescription("Number of frames dropped because the inbound buffer was full"),
		metric.WithUnit("{message}"),
	)

	return &Conn{
		status:            1,
		consumer:          consumer,
		producer:          producer,
		streamTopic:       o.streamTopic,
		requestTopic:      o.requestTopic,
		snapshotTopic:     o.snapshotTopic,
		snapshotPartition: o.snapshotPartition,
		inbound:           make(chan transport.Frame, o.bufferSize),
		errs:              make(chan error, 1),
		logger:            o.logger,
		prefixes:          make(map[string]struct{}),
		droppedCounter:    droppedCounter,
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

func (c *Conn) matches(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for p := range c.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// SubscribePrefix adds prefix to the client-side filter. The first call
// starts consuming every partition of the stream topic.
func (c *Conn) SubscribePrefix(prefix string) error {
	if !c.isOpen() {
		return ErrConnClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.prefixes[prefix] = struct{}{}
	if c.consuming {
		return nil
	}

	partitions, err := c.consumer.Partitions(c.streamTopic)
	if err != nil {
		delete(c.prefixes, prefix)
		return fmt.Errorf("list partitions of %s: %w", c.streamTopic, err)
	}
	for _, p := range partitions {
		pc, err := c.consumer.ConsumePartition(c.streamTopic, p, sarama.OffsetNewest)
		if err != nil {
			delete(c.prefixes, prefix)
			c.closePartitions()
			return fmt.Errorf("consume %s/%d: %w", c.streamTopic, p, err)
		}
		c.pcs = append(c.pcs, pc)
		c.wg.Add(1)
		go c.pump(pc)
	}
	c.consuming = true
	c.logger.Debug("consuming stream topic", "topic", c.streamTopic, "partitions", len(partitions))
	return nil
}

// pump filters records of one partition into the inbound buffer.
func (c *Conn) pump(pc sarama.PartitionConsumer) {
	defer c.wg.Done()

	msgs := pc.Messages()
	errs := pc.Errors()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				c.fail(ErrConsumerClosed)
				return
			}
			topic := string(m.Key)
			if !c.matches(topic) {
				continue
			}
			select {
			case c.inbound <- transport.Frame{Topic: topic, Payload: m.Value}:
			default:
				c.logger.Debug("dropping frame, inbound buffer full", "topic", topic)
				if c.droppedCounter != nil {
					c.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(
						attribute.String("topic", topic),
					))
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Warn("partition consumer error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
		}
	}
}

func (c *Conn) closePartitions() {
	for _, pc := range c.pcs {
		pc.AsyncClose()
	}
	c.pcs = nil
}

// Inbound returns the receive channel
func (c *Conn) Inbound() <-chan transport.Frame {
	return c.inbound
}

// Errors returns the fatal error channel
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// Send produces one record to the stream topic keyed by f.Topic.
func (c *Conn) Send(ctx context.Context, f transport.Frame) error {
	if !c.isOpen() {
		return ErrConnClosed
	}
	_, _, err := c.producer.SendMessage(&sarama.ProducerMessage{
		Topic: c.streamTopic,
		Key:   sarama.StringEncoder(f.Topic),
		Value: sarama.ByteEncoder(f.Payload),
	})
	return err
}

// Snapshot opens the reply consumer, then produces request to the request
// topic under a fresh correlation key.
func (c *Conn) Snapshot(ctx context.Context, request []byte) (transport.ReplyStream, error) {
	if !c.isOpen() {
		return nil, ErrConnClosed
	}

	pc, err := c.consumer.ConsumePartition(c.snapshotTopic, c.snapshotPartition, sarama.OffsetNewest)
	if err != nil {
		return nil, fmt.Errorf("consume %s/%d: %w", c.snapshotTopic, c.snapshotPartition, err)
	}

	key := transport.NewID()
	_, _, err = c.producer.SendMessage(&sarama.ProducerMessage{
		Topic: c.requestTopic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(request),
		Headers: []sarama.RecordHeader{
			{Key: []byte("reply_topic"), Value: []byte(c.snapshotTopic)},
		},
	})
	if err != nil {
		pc.Close()
		return nil, err
	}

	c.logger.Debug("snapshot requested", "topic", c.requestTopic, "key", key)
	return &replyStream{pc: pc, key: key}, nil
}

// Close stops the partition consumers and closes the producer, the consumer
// and, for a dialed conn, the client.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.status, 1, 0) {
		return ErrConnClosed
	}

	c.mu.Lock()
	c.closePartitions()
	c.mu.Unlock()
	c.wg.Wait()

	var errs []error
	if err := c.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
			errs = append(errs, err)
		}
	}
	c.logger.Debug("conn closed")
	return errors.Join(errs...)
}

// Health reports broker connectivity for a dialed conn.
func (c *Conn) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details: map[string]any{
			"type":         "kafka",
			"stream_topic": c.streamTopic,
		},
	}

	if !c.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "conn is closed"
		result.Latency = time.Since(start)
		return result
	}

	c.mu.RLock()
	result.Details["partitions"] = len(c.pcs)
	result.Details["prefixes"] = len(c.prefixes)
	c.mu.RUnlock()

	if c.client != nil {
		brokers := c.client.Brokers()
		connected := 0
		for _, b := range brokers {
			if ok, _ := b.Connected(); ok {
				connected++
			}
		}
		result.Details["brokers"] = len(brokers)
		result.Details["connected_brokers"] = connected
		if len(brokers) == 0 {
			result.Status = transport.HealthStatusUnhealthy
			result.Message = "no kafka brokers available"
			result.Latency = time.Since(start)
			return result
		}
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "kafka conn is healthy"
	result.Latency = time.Since(start)
	return result
}

type replyStream struct {
	pc     sarama.PartitionConsumer
	key    string
	closed atomic.Bool
}

// Next returns the next reply carrying this stream's correlation key. A
// closed partition consumer ends the stream.
func (s *replyStream) Next(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-s.pc.Messages():
			if !ok {
				return nil, io.EOF
			}
			if string(m.Key) != s.key {
				continue
			}
			return m.Value, nil
		}
	}
}

func (s *replyStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.pc.AsyncClose()
	return nil
}

// Compile-time checks
var (
	_ transport.Conn          = (*Conn)(nil)
	_ transport.HealthChecker = (*Conn)(nil)
)
