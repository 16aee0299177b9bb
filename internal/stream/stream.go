// Package stream turns bus subscriptions into long-lived client streams.
//
// Both the SSE and the WebSocket subscriber buffer events in a bounded queue
// that a writer goroutine drains, so Send never blocks the publishing
// channel. A full queue fails Send, which makes the channel drop the
// subscriber.
package stream

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dayuer/beacon-gateway/internal/bus"
)

const (
	DefaultQueueSize = 256
	DefaultHeartbeat = 15 * time.Second
	// RetryMillis is the reconnect delay advertised to SSE clients.
	RetryMillis = 3000
)

var (
	ErrQueueFull = errors.New("subscriber queue full")
	ErrClosed    = errors.New("subscriber closed")
)

// Options configures a subscriber.
type Options struct {
	QueueSize int
	Heartbeat time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	return o
}

// mailbox is the queue and close logic shared by every subscriber kind.
type mailbox struct {
	queue chan bus.Event
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	onClose func()
}

func newMailbox(size int) *mailbox {
	return &mailbox{
		queue: make(chan bus.Event, size),
		done:  make(chan struct{}),
	}
}

// Send implements bus.Subscriber. It never blocks.
func (m *mailbox) Send(ev bus.Event) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// OnClose registers fn to run once when the subscriber closes, typically the
// bus detach.
func (m *mailbox) OnClose(fn func()) {
	m.mu.Lock()
	m.onClose = fn
	m.mu.Unlock()
}

// Close implements bus.Subscriber. Only the first call has an effect.
func (m *mailbox) Close() {
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		fn := m.onClose
		m.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// Done is closed once the subscriber is closed.
func (m *mailbox) Done() <-chan struct{} { return m.done }

// Pending is the number of queued, unwritten events.
func (m *mailbox) Pending() int { return len(m.queue) }

// LastEventID reads the resume token from the Last-Event-ID header, falling
// back to the lastEventId query parameter. Absent or malformed tokens yield
// nil, which replays the whole retained log.
func LastEventID(r *http.Request) *uint64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}
