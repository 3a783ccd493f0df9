package cepstream

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rbaliyan/cepstream/transport"
	"github.com/rbaliyan/cepstream/transport/channel"
	"github.com/rbaliyan/cepstream/transport/codec"
	"github.com/rbaliyan/cepstream/transport/message"
	"syreclabs.com/go/faker"
)

// recordingMetrics counts every call by name, plus label for labelled ones.
type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (m *recordingMetrics) inc(key string) {
	m.mu.Lock()
	m.counts[key]++
	m.mu.Unlock()
}

func (m *recordingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *recordingMetrics) Register(prometheus.Registerer) error { return nil }

func (m *recordingMetrics) Published(p string)     { m.inc("published:" + p) }
func (m *recordingMetrics) PublishFailed(p string) { m.inc("publish_failed:" + p) }
func (m *recordingMetrics) Dispatched(p string)    { m.inc("dispatched:" + p) }
func (m *recordingMetrics) Dropped(reason string)  { m.inc("dropped:" + reason) }
func (m *recordingMetrics) HandlerFailed(p string) { m.inc("handler_failed:" + p) }
func (m *recordingMetrics) Tick()                  { m.inc("tick") }

type testBus struct {
	*Bus
	hub  *channel.Hub
	conn *channel.Conn
}

func newTestBus(t *testing.T, opts ...BusOption) *testBus {
	t.Helper()
	hub := channel.NewHub()
	conn := hub.Connect()
	tr, err := transport.New(conn, transport.WithTickInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("transport.New failed: %v", err)
	}
	b, err := NewBus(tr, opts...)
	if err != nil {
		t.Fatalf("NewBus failed: %v", err)
	}
	t.Cleanup(func() { b.Stop(context.Background()) })
	return &testBus{Bus: b, hub: hub, conn: conn}
}

func randomEvent(streamID string) *Event {
	return &Event{
		StreamID:  streamID,
		Timestamp: 1700000000.25,
		Datatype:  faker.Lorem().Word(),
		Unit:      faker.Lorem().Word(),
		Value:     message.Float(21.5),
		Method:    message.String(faker.Lorem().Word()),
		Extras:    map[string]any{"note": faker.Lorem().String()},
	}
}

func frame(t *testing.T, topic string, ev *Event) transport.Frame {
	t.Helper()
	data, err := codec.Default().Encode(ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return transport.Frame{Topic: topic, Payload: data}
}

// collect returns a handler that forwards every event to the returned channel.
func collect() (Handler, chan *Event) {
	ch := make(chan *Event, 16)
	return func(_ context.Context, ev *Event) error {
		ch <- ev
		return nil
	}, ch
}

func expectNone(t *testing.T, ch chan *Event, what string) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Errorf("%s: unexpected event %+v", what, ev)
	default:
	}
}

func TestNewBus(t *testing.T) {
	if _, err := NewBus(nil); !errors.Is(err, ErrTransportRequired) {
		t.Errorf("expected ErrTransportRequired, got %v", err)
	}

	b := newTestBus(t)
	if b.Name() != DefaultBusName {
		t.Errorf("expected default name, got %q", b.Name())
	}
	if b.ID() == "" {
		t.Error("expected non-empty ID")
	}
	if !b.Running() {
		t.Error("expected bus to be running")
	}

	named := newTestBus(t, WithName("edge"))
	if named.Name() != "edge" {
		t.Errorf("expected name edge, got %q", named.Name())
	}
}

func TestDispatchExact(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	h1, got1 := collect()
	h2, got2 := collect()
	if err := b.Subscribe(PartitionImputed, "s1", h1); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.Subscribe(PartitionImputed, "s2", h2); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	want := randomEvent("s1")
	b.dispatch(ctx, frame(t, "imputed.s1", want))

	if diff := cmp.Diff(want, <-got1); diff != "" {
		t.Errorf("dispatched event mismatch (-want +got):\n%s", diff)
	}
	expectNone(t, got1, "s1 handler")
	expectNone(t, got2, "s2 handler")
}

func TestDispatchWildcardPrecedence(t *testing.T) {
	ctx := context.Background()

	for _, order := range []string{"wildcard first", "exact first"} {
		t.Run(order, func(t *testing.T) {
			b := newTestBus(t)
			exact, gotExact := collect()
			wild, gotWild := collect()

			if order == "wildcard first" {
				b.Subscribe(PartitionImputed, Wildcard, wild)
				b.Subscribe(PartitionImputed, "s1", exact)
			} else {
				b.Subscribe(PartitionImputed, "s1", exact)
				b.Subscribe(PartitionImputed, Wildcard, wild)
			}

			b.dispatch(ctx, frame(t, "imputed.s1", randomEvent("s1")))
			b.dispatch(ctx, frame(t, "imputed.s2", randomEvent("s2")))

			if ev := <-gotExact; ev.StreamID != "s1" {
				t.Errorf("exact handler got %q", ev.StreamID)
			}
			if ev := <-gotWild; ev.StreamID != "s2" {
				t.Errorf("wildcard handler got %q", ev.StreamID)
			}
			expectNone(t, gotExact, "exact handler")
			expectNone(t, gotWild, "wildcard handler")
		})
	}
}

func TestSubscribeReplacesHandler(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	first, gotFirst := collect()
	second, gotSecond := collect()
	b.Subscribe(PartitionImputed, "s1", first)
	b.Subscribe(PartitionImputed, "s1", second)

	b.dispatch(ctx, frame(t, "imputed.s1", randomEvent("s1")))
	expectNone(t, gotFirst, "replaced handler")
	if ev := <-gotSecond; ev.StreamID != "s1" {
		t.Errorf("expected s1, got %q", ev.StreamID)
	}
	if b.Transport().Prefixes() != 1 {
		t.Errorf("expected 1 prefix, got %d", b.Transport().Prefixes())
	}
}

func TestDispatchDrops(t *testing.T) {
	ctx := context.Background()
	m := newRecordingMetrics()
	b := newTestBus(t, WithMetrics(m))

	h, got := collect()
	b.Subscribe(PartitionImputed, "s1", h)

	b.dispatch(ctx, frame(t, "observed.s1", randomEvent("s1")))
	b.dispatch(ctx, frame(t, "imputed.s9", randomEvent("s9")))
	b.dispatch(ctx, frame(t, "imputed", randomEvent("s1")))
	b.dispatch(ctx, transport.Frame{Topic: "imputed.s1", Payload: []byte("{not json")})

	// Malformed payloads are only decoded once routed.
	b.dispatch(ctx, transport.Frame{Topic: "imputed.s9", Payload: []byte("{not json")})
	b.dispatch(ctx, transport.Frame{Topic: "imputed", Payload: []byte("{not json")})

	expectNone(t, got, "handler")
	if n := m.get("dropped:" + DropNoHandler); n != 3 {
		t.Errorf("expected 3 no-handler drops, got %d", n)
	}
	if n := m.get("dropped:" + DropInvalidTopic); n != 2 {
		t.Errorf("expected 2 invalid-topic drops, got %d", n)
	}
	if n := m.get("dropped:" + DropDecode); n != 1 {
		t.Errorf("expected 1 decode drop, got %d", n)
	}
	if d := b.Status(ctx).Details["dropped"]; d != int64(6) {
		t.Errorf("expected 6 dropped in status, got %v", d)
	}
}

func TestHandlerIsolation(t *testing.T) {
	ctx := context.Background()
	m := newRecordingMetrics()
	b := newTestBus(t, WithMetrics(m))

	boom := errors.New("boom")
	b.Subscribe(PartitionImputed, "fails", func(context.Context, *Event) error { return boom })
	b.Subscribe(PartitionImputed, "panics", func(context.Context, *Event) error { panic("kaboom") })
	h, got := collect()
	b.Subscribe(PartitionImputed, "ok", h)

	b.dispatch(ctx, frame(t, "imputed.fails", randomEvent("fails")))
	b.dispatch(ctx, frame(t, "imputed.panics", randomEvent("panics")))
	b.dispatch(ctx, frame(t, "imputed.ok", randomEvent("ok")))

	if ev := <-got; ev.StreamID != "ok" {
		t.Errorf("expected ok, got %q", ev.StreamID)
	}
	if n := m.get("handler_failed:imputed"); n != 2 {
		t.Errorf("expected 2 handler failures, got %d", n)
	}
	if n := m.get("dispatched:imputed"); n != 3 {
		t.Errorf("expected 3 dispatched, got %d", n)
	}
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()
	ev := randomEvent("s1")

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		err := invoke(ctx, "imputed.s1", func(context.Context, *Event) error { return boom }, ev)
		var herr *HandlerError
		if !errors.As(err, &herr) {
			t.Fatalf("expected HandlerError, got %v", err)
		}
		if herr.Topic != "imputed.s1" || !errors.Is(err, boom) {
			t.Errorf("unexpected handler error: %v", herr)
		}
		if IsHandlerPanic(err) {
			t.Error("error should not be reported as a panic")
		}
	})

	t.Run("panic", func(t *testing.T) {
		err := invoke(ctx, "imputed.s1", func(context.Context, *Event) error { panic("kaboom") }, ev)
		if !IsHandlerPanic(err) {
			t.Fatalf("expected handler panic, got %v", err)
		}
		if !strings.Contains(err.Error(), "kaboom") {
			t.Errorf("expected panic value in message, got %q", err.Error())
		}
	})

	t.Run("success", func(t *testing.T) {
		if err := invoke(ctx, "imputed.s1", func(context.Context, *Event) error { return nil }, ev); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestSubscribeValidation(t *testing.T) {
	b := newTestBus(t)
	h, _ := collect()

	if err := b.Subscribe(PartitionImputed, "", h); !errors.Is(err, ErrStreamIDRequired) {
		t.Errorf("expected ErrStreamIDRequired, got %v", err)
	}
	if err := b.Subscribe(PartitionImputed, "s1", nil); !errors.Is(err, ErrHandlerRequired) {
		t.Errorf("expected ErrHandlerRequired, got %v", err)
	}
	if err := b.Subscribe("bad.partition", "s1", h); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("expected ErrInvalidTopic, got %v", err)
	}

	b.Stop(context.Background())
	if err := b.Subscribe(PartitionImputed, "s1", h); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	ctx := context.Background()
	m := newRecordingMetrics()
	b := newTestBus(t, WithMetrics(m))
	ev := randomEvent("s1")

	if err := b.Publish(ctx, PartitionMatched, "", ev); !errors.Is(err, ErrStreamIDRequired) {
		t.Errorf("expected ErrStreamIDRequired, got %v", err)
	}
	if err := b.Publish(ctx, "", "s1", ev); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("expected ErrInvalidTopic, got %v", err)
	}
	if err := b.Publish(ctx, PartitionMatched, "s1", nil); !errors.Is(err, codec.ErrEncodeFailure) {
		t.Errorf("expected ErrEncodeFailure, got %v", err)
	}
	if n := m.get("publish_failed:matched"); n != 1 {
		t.Errorf("expected 1 publish failure, got %d", n)
	}

	b.Stop(ctx)
	if err := b.Publish(ctx, PartitionMatched, "s1", ev); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, c := range []codec.Codec{codec.JSON{}, codec.MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			m := newRecordingMetrics()
			b := newTestBus(t, WithCodec(c), WithMetrics(m))
			h, got := collect()
			b.Subscribe(PartitionMatched, Wildcard, h)

			sparse := &Event{StreamID: "s1", Timestamp: 12.5, Value: message.Float(0)}
			if err := b.Publish(ctx, PartitionMatched, "s1", sparse); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}

			done := make(chan error, 1)
			go func() { done <- b.Start(ctx) }()

			select {
			case ev := <-got:
				if diff := cmp.Diff(sparse, ev); diff != "" {
					t.Errorf("round trip mismatch (-want +got):\n%s", diff)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for event")
			}
			if n := m.get("published:matched"); n != 1 {
				t.Errorf("expected 1 published, got %d", n)
			}

			b.Stop(ctx)
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Start returned %v after Stop", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Start did not return after Stop")
			}
		})
	}
}

func TestStartFatalInbound(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()

	b.conn.Break(errors.New("socket reset"))

	select {
	case err := <-done:
		var cerr *transport.ChannelError
		if !errors.As(err, &cerr) || cerr.Channel != transport.ChannelInbound {
			t.Fatalf("expected inbound ChannelError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after inbound failure")
	}
	if b.Health(ctx) == nil {
		t.Error("expected unhealthy bus after transport failure")
	}
}

func TestStartAfterStop(t *testing.T) {
	b := newTestBus(t)
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("second Stop returned %v", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestTickHeartbeat(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := newRecordingMetrics()
	ticks := 0
	b := newTestBus(t, WithLogger(logger), WithMetrics(m), WithTickHandler(func(context.Context) { ticks++ }))

	b.tick(ctx)
	b.dispatch(ctx, frame(t, "imputed.s1", randomEvent("s1")))
	b.tick(ctx)
	b.tick(ctx)

	if n := strings.Count(buf.String(), "no events received in last interval"); n != 2 {
		t.Errorf("expected 2 idle heartbeats, got %d", n)
	}
	if ticks != 3 || m.get("tick") != 3 {
		t.Errorf("expected 3 ticks, got handler=%d metrics=%d", ticks, m.get("tick"))
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	h, _ := collect()
	b.Subscribe(PartitionImputed, Wildcard, h)

	status := b.Status(ctx)
	if !status.IsHealthy() {
		t.Errorf("expected healthy, got %s: %s", status.Code, status.Message)
	}
	if status.Details["routes"] != 1 {
		t.Errorf("expected 1 route, got %v", status.Details["routes"])
	}
	if tr := status.Components["transport"]; tr == nil || tr.Code != StatusHealthy {
		t.Errorf("expected healthy transport component, got %+v", tr)
	}
	if err := b.Health(ctx); err != nil {
		t.Errorf("unexpected health error: %v", err)
	}

	b.Stop(ctx)
	if status := b.Status(ctx); status.Code != StatusUnhealthy {
		t.Errorf("expected unhealthy after stop, got %s", status.Code)
	}
	if err := b.Health(ctx); err == nil {
		t.Error("expected health error after stop")
	}
}
