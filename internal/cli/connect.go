package cli

import (
	"fmt"

	"github.com/rbaliyan/cepstream/internal/config"
	"github.com/rbaliyan/cepstream/transport"
	"github.com/rbaliyan/cepstream/transport/channel"
	"github.com/rbaliyan/cepstream/transport/kafka"
	"github.com/rbaliyan/cepstream/transport/nats"
	"github.com/rbaliyan/cepstream/transport/redis"
)

// dial opens a Conn for the configured transport kind.
func (o *RootOptions) dial() (transport.Conn, error) {
	cfg := o.config()
	tc := cfg.Transport
	logger := o.logger.With("transport", tc.Kind)

	switch tc.Kind {
	case config.TransportMemory:
		if o.hub == nil {
			o.hub = channel.NewHub(channel.WithLogger(logger))
		}
		return o.hub.Connect(), nil
	case config.TransportNATS:
		return nats.Dial(tc.NATS.URL,
			nats.WithName(cfg.Bus.Name),
			nats.WithSnapshotSubject(tc.NATS.SnapshotSubject),
			nats.WithLogger(logger))
	case config.TransportRedis:
		return redis.Dial(tc.Redis.Addr,
			redis.WithSnapshotKey(tc.Redis.SnapshotKey),
			redis.WithLogger(logger))
	case config.TransportKafka:
		return kafka.Dial(tc.Kafka.Brokers,
			kafka.WithStreamTopic(tc.Kafka.StreamTopic),
			kafka.WithRequestTopic(tc.Kafka.RequestTopic),
			kafka.WithSnapshotTopic(tc.Kafka.SnapshotTopic, 0),
			kafka.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported transport kind: %s", tc.Kind)
	}
}

// connect dials and wraps the Conn in a Transport.
func (o *RootOptions) connect() (*transport.Transport, error) {
	conn, err := o.dial()
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", o.config().Transport.Kind, err)
	}

	cfg := o.config()
	logger := o.logger.With("component", "transport")
	tr, err := transport.New(conn,
		transport.WithTickInterval(cfg.Bus.TickInterval),
		transport.WithSnapshotRequest(cfg.Bootstrap.Request),
		transport.WithSnapshotFinished(cfg.Bootstrap.Finished),
		transport.WithLogger(logger),
		transport.WithErrorHandler(func(err error) {
			logger.Error("transport failed", "error", err)
		}),
	)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tr, nil
}
