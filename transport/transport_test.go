package transport_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rbaliyan/cepstream/transport"
	"github.com/rbaliyan/cepstream/transport/channel"
)

// armedClock signals every time the loop arms a wait timer, so tests only
// advance mock time while the loop is parked.
type armedClock struct {
	*clock.Mock
	armed chan struct{}
}

func newArmedClock() *armedClock {
	return &armedClock{Mock: clock.NewMock(), armed: make(chan struct{}, 64)}
}

func (c *armedClock) Timer(d time.Duration) *clock.Timer {
	t := c.Mock.Timer(d)
	c.armed <- struct{}{}
	return t
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func newTransport(t *testing.T, hub *channel.Hub, opts ...transport.Option) *transport.Transport {
	t.Helper()
	tr, err := transport.New(hub.Connect(), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr
}

func TestNew(t *testing.T) {
	if _, err := transport.New(nil); !errors.Is(err, transport.ErrConnRequired) {
		t.Errorf("expected ErrConnRequired, got %v", err)
	}

	tr := newTransport(t, channel.NewHub())
	if tr.ID() == "" {
		t.Error("expected non-empty ID")
	}
	if tr.TickInterval() != transport.DefaultTickInterval {
		t.Errorf("expected default tick interval, got %v", tr.TickInterval())
	}
	if !tr.Running() {
		t.Error("expected transport to be running")
	}
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("stops at finished sentinel", func(t *testing.T) {
		var sent atomic.Int32
		hub := channel.NewHub(channel.WithSnapshot(func(ctx context.Context, req []byte, reply chan<- []byte) {
			defer close(reply)
			if string(req) != "request_snapshot" {
				t.Errorf("unexpected request %q", req)
			}
			for _, r := range []string{"state-1", "finished", "finished_snapshot!"} {
				select {
				case reply <- []byte(r):
					sent.Add(1)
				case <-ctx.Done():
					return
				}
			}
		}))
		tr := newTransport(t, hub)
		if err := tr.Bootstrap(ctx); err != nil {
			t.Fatalf("Bootstrap failed: %v", err)
		}
		if hub.SnapshotRequests() != 1 {
			t.Errorf("expected 1 snapshot request, got %d", hub.SnapshotRequests())
		}
		if sent.Load() != 3 {
			t.Errorf("expected every reply consumed before end-of-stream, got %d", sent.Load())
		}
		if tr.SnapshotReplies() != 3 {
			t.Errorf("expected 3 snapshot replies, got %d", tr.SnapshotReplies())
		}
	})

	t.Run("finished sentinel ends before remaining replies", func(t *testing.T) {
		consumed := make(chan string, 8)
		hub := channel.NewHub(channel.WithSnapshot(func(ctx context.Context, _ []byte, reply chan<- []byte) {
			for _, r := range []string{"a", "b", "finished_snapshot", "c"} {
				select {
				case reply <- []byte(r):
					consumed <- r
				case <-ctx.Done():
					return
				}
			}
		}))
		tr := newTransport(t, hub)
		if err := tr.Bootstrap(ctx); err != nil {
			t.Fatalf("Bootstrap failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
		close(consumed)
		var got []string
		for r := range consumed {
			got = append(got, r)
		}
		if fmt.Sprint(got) != "[a b finished_snapshot]" {
			t.Errorf("unexpected consumed replies: %v", got)
		}
		if tr.SnapshotReplies() != 2 {
			t.Errorf("expected 2 snapshot replies, got %d", tr.SnapshotReplies())
		}
	})

	t.Run("returns at end of stream", func(t *testing.T) {
		hub := channel.NewHub(channel.WithSnapshotReplies("only-state"))
		tr := newTransport(t, hub)
		if err := tr.Bootstrap(ctx); err != nil {
			t.Fatalf("Bootstrap failed: %v", err)
		}
	})

	t.Run("blocks until caller gives up", func(t *testing.T) {
		hub := channel.NewHub(channel.WithSnapshot(func(ctx context.Context, _ []byte, _ chan<- []byte) {
			<-ctx.Done()
		}))
		tr := newTransport(t, hub)

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := tr.Bootstrap(cctx)

		var chErr *transport.ChannelError
		if !errors.As(err, &chErr) {
			t.Fatalf("expected ChannelError, got %v", err)
		}
		if chErr.Channel != transport.ChannelBootstrap || chErr.Op != transport.OpRecv {
			t.Errorf("unexpected error site: %v", chErr)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("closed transport", func(t *testing.T) {
		tr := newTransport(t, channel.NewHub())
		tr.Close(ctx)
		if err := tr.Bootstrap(ctx); !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	})
}

func TestRunRequiresBootstrap(t *testing.T) {
	tr := newTransport(t, channel.NewHub())
	if err := tr.Run(context.Background(), transport.HooksFunc{}); !errors.Is(err, transport.ErrNotBootstrapped) {
		t.Errorf("expected ErrNotBootstrapped, got %v", err)
	}
}

func TestHeartbeatCadence(t *testing.T) {
	ctx := context.Background()
	ck := newArmedClock()
	tr := newTransport(t, channel.NewHub(), transport.WithClock(ck), transport.WithTickInterval(time.Second))
	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	ticks := make(chan time.Time, 16)
	done := make(chan error, 1)
	go func() {
		done <- tr.Run(ctx, transport.HooksFunc{Tick: func() { ticks <- ck.Now() }})
	}()

	start := ck.Now()
	const n = 5
	for i := 1; i <= n; i++ {
		waitFor(t, ck.armed, "armed timer")
		ck.Add(time.Second)
		got := waitFor(t, ticks, "tick")
		if want := start.Add(time.Duration(i) * time.Second); !got.Equal(want) {
			t.Errorf("tick %d at %v, want %v", i, got, want)
		}
	}

	waitFor(t, ck.armed, "armed timer")
	select {
	case <-ticks:
		t.Error("unexpected extra tick")
	default:
	}

	tr.Close(ctx)
	if err := waitFor(t, done, "loop exit"); err != nil {
		t.Errorf("expected nil on close, got %v", err)
	}
}

func TestHeartbeatDoesNotBurst(t *testing.T) {
	ctx := context.Background()
	ck := newArmedClock()
	tr := newTransport(t, channel.NewHub(), transport.WithClock(ck), transport.WithTickInterval(time.Second))
	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	var count atomic.Int32
	ticks := make(chan time.Time, 16)
	go tr.Run(ctx, transport.HooksFunc{Tick: func() {
		count.Add(1)
		ticks <- ck.Now()
	}})

	start := ck.Now()
	waitFor(t, ck.armed, "armed timer")
	ck.Add(3 * time.Second)
	waitFor(t, ticks, "tick")
	waitFor(t, ck.armed, "armed timer")
	if c := count.Load(); c != 1 {
		t.Fatalf("expected a single tick after a 3 interval stall, got %d", c)
	}

	ck.Add(time.Second)
	got := waitFor(t, ticks, "tick")
	if want := start.Add(4 * time.Second); !got.Equal(want) {
		t.Errorf("rebased tick at %v, want %v", got, want)
	}
}

func TestMessageDoesNotResetDeadline(t *testing.T) {
	ctx := context.Background()
	ck := newArmedClock()
	hub := channel.NewHub()
	conn := hub.Connect()
	tr, err := transport.New(conn, transport.WithClock(ck), transport.WithTickInterval(time.Second))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tr.Close(ctx)
	if err := tr.SubscribePrefix("imputed."); err != nil {
		t.Fatalf("SubscribePrefix failed: %v", err)
	}
	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	msgs := make(chan transport.Frame, 4)
	ticks := make(chan time.Time, 4)
	go tr.Run(ctx, transport.HooksFunc{
		Message: func(f transport.Frame) { msgs <- f },
		Tick:    func() { ticks <- ck.Now() },
	})

	start := ck.Now()
	waitFor(t, ck.armed, "armed timer")
	ck.Add(500 * time.Millisecond)
	hub.Publish(ctx, "imputed.s1", []byte("x"))
	f := waitFor(t, msgs, "message")
	if f.Topic != "imputed.s1" || string(f.Payload) != "x" {
		t.Errorf("unexpected frame %+v", f)
	}

	waitFor(t, ck.armed, "armed timer")
	ck.Add(500 * time.Millisecond)
	got := waitFor(t, ticks, "tick")
	if want := start.Add(time.Second); !got.Equal(want) {
		t.Errorf("tick at %v, want %v", got, want)
	}
}

func TestRunDeliversEachFrameOnce(t *testing.T) {
	ctx := context.Background()
	hub := channel.NewHub()
	tr := newTransport(t, hub, transport.WithTickInterval(10*time.Millisecond))
	tr.SubscribePrefix("a.")
	tr.Bootstrap(ctx)

	var mu sync.Mutex
	var topics []string
	got := make(chan struct{}, 16)
	go tr.Run(ctx, transport.HooksFunc{Message: func(f transport.Frame) {
		mu.Lock()
		topics = append(topics, f.Topic)
		mu.Unlock()
		got <- struct{}{}
	}})

	hub.Publish(ctx, "a.1", nil)
	hub.Publish(ctx, "b.1", nil)
	hub.Publish(ctx, "a.2", nil)
	waitFor(t, got, "frame 1")
	waitFor(t, got, "frame 2")

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(topics) != "[a.1 a.2]" {
		t.Errorf("unexpected delivery: %v", topics)
	}
}

func TestRunFatalInboundError(t *testing.T) {
	ctx := context.Background()
	hub := channel.NewHub()
	conn := hub.Connect()
	var reported atomic.Int32
	tr, _ := transport.New(conn, transport.WithErrorHandler(func(error) { reported.Add(1) }))
	tr.Bootstrap(ctx)

	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, transport.HooksFunc{}) }()

	boom := errors.New("socket reset")
	conn.Break(boom)

	err := waitFor(t, done, "loop exit")
	var chErr *transport.ChannelError
	if !errors.As(err, &chErr) || chErr.Channel != transport.ChannelInbound {
		t.Fatalf("expected inbound ChannelError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
	if tr.Running() {
		t.Error("expected transport closed after fatal error")
	}
	if reported.Load() != 1 {
		t.Errorf("expected error handler called once, got %d", reported.Load())
	}
	if hub.Conns() != 0 {
		t.Errorf("expected conn released, %d left", hub.Conns())
	}
}

func TestRunStopsOnContext(t *testing.T) {
	tr := newTransport(t, channel.NewHub())
	tr.Bootstrap(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, transport.HooksFunc{}) }()
	cancel()

	if err := waitFor(t, done, "loop exit"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestRunTwice(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t, channel.NewHub(), transport.WithTickInterval(5*time.Millisecond))
	tr.Bootstrap(ctx)

	started := make(chan struct{})
	var once sync.Once
	go tr.Run(ctx, transport.HooksFunc{Tick: func() { once.Do(func() { close(started) }) }})
	waitFor(t, started, "first tick")

	if err := tr.Run(ctx, transport.HooksFunc{}); !errors.Is(err, transport.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestSubscribePrefixIdempotent(t *testing.T) {
	tr := newTransport(t, channel.NewHub())

	for _, p := range []string{"imputed.", "imputed.", "imputed.s1", ""} {
		if err := tr.SubscribePrefix(p); err != nil {
			t.Fatalf("SubscribePrefix(%q) failed: %v", p, err)
		}
	}
	if tr.Prefixes() != 3 {
		t.Errorf("expected 3 distinct prefixes, got %d", tr.Prefixes())
	}
}

type failingConn struct {
	*channel.Conn
	err error
}

func (c *failingConn) Send(context.Context, transport.Frame) error {
	return c.err
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("send failure is reported", func(t *testing.T) {
		boom := errors.New("no route")
		var reported atomic.Int32
		tr, _ := transport.New(&failingConn{Conn: channel.NewHub().Connect(), err: boom},
			transport.WithErrorHandler(func(error) { reported.Add(1) }))
		defer tr.Close(ctx)

		err := tr.Publish(ctx, "matched.s1", []byte("{}"))
		var chErr *transport.ChannelError
		if !errors.As(err, &chErr) || chErr.Op != transport.OpSend || chErr.Channel != transport.ChannelOutbound {
			t.Fatalf("expected outbound send ChannelError, got %v", err)
		}
		if !errors.Is(err, boom) {
			t.Errorf("expected wrapped cause, got %v", err)
		}
		if reported.Load() != 1 {
			t.Errorf("expected error handler called once, got %d", reported.Load())
		}
	})

	t.Run("after close", func(t *testing.T) {
		tr := newTransport(t, channel.NewHub())
		tr.Close(ctx)
		if err := tr.Publish(ctx, "x.y", nil); !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	})

	t.Run("concurrent with the loop", func(t *testing.T) {
		hub := channel.NewHub()
		sub := newTransport(t, hub, transport.WithTickInterval(5*time.Millisecond))
		sub.SubscribePrefix("")
		sub.Bootstrap(ctx)

		var received atomic.Int32
		go sub.Run(ctx, transport.HooksFunc{Message: func(transport.Frame) { received.Add(1) }})

		pub := newTransport(t, hub)
		const workers, each = 8, 25
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < each; i++ {
					if err := pub.Publish(ctx, fmt.Sprintf("p.%d", w), []byte{byte(i)}); err != nil {
						t.Errorf("Publish failed: %v", err)
					}
				}
			}(w)
		}
		wg.Wait()

		deadline := time.Now().Add(2 * time.Second)
		for received.Load() < workers*each && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if received.Load() != workers*each {
			t.Errorf("expected %d frames, got %d", workers*each, received.Load())
		}
	})
}

func TestCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	hub := channel.NewHub()
	tr := newTransport(t, hub)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.Close(ctx); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if tr.Running() {
		t.Error("expected transport closed")
	}
	if hub.Conns() != 0 {
		t.Errorf("expected conn released, %d left", hub.Conns())
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t, channel.NewHub())

	h := tr.Health(ctx)
	if !h.IsHealthy() {
		t.Errorf("expected healthy, got %s: %s", h.Status, h.Message)
	}
	if h.Components["conn"] == nil {
		t.Error("expected conn component")
	}

	tr.Close(ctx)
	if h := tr.Health(ctx); h.Status != transport.HealthStatusUnhealthy {
		t.Errorf("expected unhealthy after close, got %s", h.Status)
	}
}
