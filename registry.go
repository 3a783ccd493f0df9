package cepstream

import (
	"context"
	"sync"
)

// Handler processes one dispatched event. Returned errors are logged and
// counted; the message is not retried.
type Handler func(ctx context.Context, ev *Event) error

type routeKey struct {
	partition string
	streamID  string
}

// registry maps (partition, stream id or Wildcard) to a handler. Reads come
// from the loop goroutine, writes from Subscribe; the last write for a key
// wins.
type registry struct {
	routes sync.Map // map[routeKey]Handler
}

func (r *registry) put(partition, streamID string, h Handler) (replaced bool) {
	_, replaced = r.routes.Swap(routeKey{partition, streamID}, h)
	return replaced
}

// lookup returns the exact handler for the stream, falling back to the
// partition wildcard.
func (r *registry) lookup(partition, streamID string) (Handler, bool) {
	if h, ok := r.routes.Load(routeKey{partition, streamID}); ok {
		return h.(Handler), true
	}
	if h, ok := r.routes.Load(routeKey{partition, Wildcard}); ok {
		return h.(Handler), true
	}
	return nil, false
}

func (r *registry) len() int {
	n := 0
	r.routes.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
