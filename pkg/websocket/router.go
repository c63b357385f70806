package websocket

import (
	"fmt"
	"sync"

	"github.com/veiloq/price-stream/pkg/logging"
)

// router maps stream identifiers to their registered message callbacks and
// fans inbound frames out to them. Registration order is invocation order.
// A stream with zero callbacks is valid; its frames are silently discarded.
type router struct {
	mu        sync.RWMutex
	callbacks map[StreamID][]MessageHandler
	logger    logging.Logger
}

func newRouter(logger logging.Logger) *router {
	return &router{
		callbacks: make(map[StreamID][]MessageHandler),
		logger:    logger,
	}
}

// add appends a callback to the stream's list.
func (r *router) add(id StreamID, h MessageHandler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.callbacks[id] = append(r.callbacks[id], h)
	r.mu.Unlock()
}

// set replaces the stream's callback list wholesale. Used when the health
// monitor replays a connection and restores previously registered callbacks.
func (r *router) set(id StreamID, hs []MessageHandler) {
	r.mu.Lock()
	r.callbacks[id] = hs
	r.mu.Unlock()
}

// handlers returns a snapshot of the stream's callback list.
func (r *router) handlers(id StreamID) []MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.callbacks[id]
	out := make([]MessageHandler, len(hs))
	copy(out, hs)
	return out
}

func (r *router) remove(id StreamID) {
	r.mu.Lock()
	delete(r.callbacks, id)
	r.mu.Unlock()
}

func (r *router) clear() {
	r.mu.Lock()
	r.callbacks = make(map[StreamID][]MessageHandler)
	r.mu.Unlock()
}

// dispatch invokes every callback registered for the stream, in registration
// order. A panicking callback is logged and does not affect its siblings or
// the session that delivered the frame.
func (r *router) dispatch(id StreamID, data []byte) {
	for _, h := range r.handlers(id) {
		r.invoke(id, h, data)
	}
}

func (r *router) invoke(id StreamID, h MessageHandler, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("stream callback panic recovered",
				logging.String("stream", string(id)),
				logging.String("panic", fmt.Sprintf("%v", rec)),
			)
		}
	}()
	h(data)
}
