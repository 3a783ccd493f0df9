package cepstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics records bus activity.
type Metrics interface {
	Register(r prometheus.Registerer) error
	Published(partition string)
	PublishFailed(partition string)
	Dispatched(partition string)
	Dropped(reason string)
	HandlerFailed(partition string)
	Tick()
}

// Drop reasons
const (
	DropDecode       = "decode"
	DropInvalidTopic = "invalid_topic"
	DropNoHandler    = "no_handler"
)

var _ Metrics = &metrics{}

type dummyMetrics struct{}

type metrics struct {
	published     *prometheus.CounterVec
	publishFailed *prometheus.CounterVec
	dispatched    *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	handlerFailed *prometheus.CounterVec
	ticks         prometheus.Counter
}

// NewMetric creates Prometheus metrics under namespace and subsystem name.
func NewMetric(namespace, name string) Metrics {
	if namespace == "" {
		namespace = "cepstream"
	}
	return &metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: name,
			Name:      "published_total",
			Help:      "Total events published",
		}, []string{"partition"}),
		publishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: name,
			Name:      "publish_failed_total",
			Help:      "Total events dropped because encoding or sending failed",
		}, []string{"partition"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: name,
			Name:      "dispatched_total",
			Help:      "Total events delivered to a handler",
		}, []string{"partition"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: name,
			Name:      "dropped_total",
			Help:      "Total inbound messages dropped before reaching a handler",
		}, []string{"reason"}),
		handlerFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: name,
			Name:      "handler_failed_total",
			Help:      "Total handler invocations that returned an error or panicked",
		}, []string{"partition"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: name,
			Name:      "ticks_total",
			Help:      "Total heartbeat ticks",
		}),
	}
}

// Register registers all collectors, collecting every failure.
func (m *metrics) Register(r prometheus.Registerer) error {
	var mErr error
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		m.published, m.publishFailed, m.dispatched, m.dropped, m.handlerFailed, m.ticks,
	} {
		if err := r.Register(c); err != nil {
			mErr = multierr.Append(mErr, err)
		}
	}
	return mErr
}

func (m *metrics) Published(partition string) {
	m.published.WithLabelValues(partition).Inc()
}

func (m *metrics) PublishFailed(partition string) {
	m.publishFailed.WithLabelValues(partition).Inc()
}

func (m *metrics) Dispatched(partition string) {
	m.dispatched.WithLabelValues(partition).Inc()
}

func (m *metrics) Dropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *metrics) HandlerFailed(partition string) {
	m.handlerFailed.WithLabelValues(partition).Inc()
}

func (m *metrics) Tick() {
	m.ticks.Inc()
}

func (dummyMetrics) Register(prometheus.Registerer) error { return nil }
func (dummyMetrics) Published(string)                     {}
func (dummyMetrics) PublishFailed(string)                 {}
func (dummyMetrics) Dispatched(string)                    {}
func (dummyMetrics) Dropped(string)                       {}
func (dummyMetrics) HandlerFailed(string)                 {}
func (dummyMetrics) Tick()                                {}
