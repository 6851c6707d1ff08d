// Package dispatch implements the type-indexed handler table that routes
// parsed LLUDP messages to application handlers, and the broadcast
// world-event bus applications subscribe to instead of (or in addition to)
// registering raw handlers.
package dispatch

import (
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/postalsys/gridwire/internal/codec"
	"github.com/postalsys/gridwire/internal/logging"
	"github.com/postalsys/gridwire/internal/metrics"
)

// Context is the per-delivery context a handler receives: which circuit
// (identified by its peer endpoint) the packet arrived on and the raw
// datagram it was parsed from, alongside the decoded message.
type Context struct {
	Peer     *net.UDPAddr
	Datagram *codec.Datagram
}

// HandlerFunc processes one decoded message. msg's concrete type matches
// the template named by the registration (see the codec package's message
// types); a type assertion failure is a caller bug, not a wire error.
type HandlerFunc func(ctx *Context, msg any) error

type handlerEntry struct {
	id       int
	priority int
	fn       HandlerFunc
}

// Registry is the concurrent map keyed by template name -> priority-ordered
// handler list. Registration is expected to complete before traffic starts,
// so it is guarded by a read-mostly RWMutex rather than anything fancier.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRegistry constructs an empty handler registry.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
		metrics:  m,
	}
}

// Register adds fn as a handler for the named template, run in descending
// priority order relative to other handlers of the same name. The returned
// func removes the handler again; callers installing a handler for the
// duration of one handshake must invoke it when done.
func (r *Registry) Register(name string, priority int, fn HandlerFunc) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	entries := append(r.handlers[name], handlerEntry{id: id, priority: priority, fn: fn})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].priority > entries[j].priority })
	r.handlers[name] = entries
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entries := r.handlers[name]
		for i, e := range entries {
			if e.id == id {
				r.handlers[name] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Dispatch invokes every registered handler for name in priority order. A
// handler error is logged and tallied but does not stop later handlers
// from running.
func (r *Registry) Dispatch(ctx *Context, name string, msg any) {
	r.mu.RLock()
	entries := r.handlers[name]
	r.mu.RUnlock()

	for _, e := range entries {
		if err := e.fn(ctx, msg); err != nil {
			r.logger.Error("handler error", logging.KeyMessage, name, logging.KeyError, err.Error())
			if r.metrics != nil {
				r.metrics.RecordHandlerError(name)
			}
		}
	}
}

// HandlerCount reports how many handlers are registered for name, mostly
// useful for tests.
func (r *Registry) HandlerCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[name])
}
