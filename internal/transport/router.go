package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/dayuer/beacon-gateway/internal/bus"
	"github.com/dayuer/beacon-gateway/internal/forward"
)

// Router sends each request to the transport registered for its bot type.
type Router struct {
	mu     sync.RWMutex
	routes map[bus.BotType]forward.Transport
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[bus.BotType]forward.Transport)}
}

// Handle registers t for bot type bt, replacing any previous route.
func (r *Router) Handle(bt bus.BotType, t forward.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[bt] = t
}

// Routes lists the registered bot types.
func (r *Router) Routes() []bus.BotType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]bus.BotType, 0, len(r.routes))
	for bt := range r.routes {
		out = append(out, bt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send implements forward.Transport.
func (r *Router) Send(ctx context.Context, req forward.Request) (forward.Outcome, error) {
	r.mu.RLock()
	t, ok := r.routes[req.Message.BotType]
	r.mu.RUnlock()
	if !ok {
		return forward.Outcome{}, fmt.Errorf("%w: no agent configured for botType %q", ErrTransport, req.Message.BotType)
	}
	return t.Send(ctx, req)
}

// Connect connects every route that supports it. Failures are logged and the
// route is left to connect lazily on first use.
func (r *Router) Connect(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for bt, t := range r.routes {
		c, ok := t.(interface{ Connect(context.Context) error })
		if !ok {
			continue
		}
		if err := c.Connect(ctx); err != nil {
			log.Printf("[Transport] ⚠️ %s agent not reachable yet: %v", bt, err)
		}
	}
}

// Close closes every route that is an io.Closer.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, t := range r.routes {
		if c, ok := t.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
