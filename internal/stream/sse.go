package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dayuer/beacon-gateway/internal/bus"
)

// SSE streams bus events as text/event-stream frames.
type SSE struct {
	*mailbox
	w         io.Writer
	flusher   http.Flusher
	heartbeat time.Duration
}

// NewSSE writes the event-stream headers and the retry hint. It fails if w
// cannot flush.
func NewSSE(w http.ResponseWriter, opts Options) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by %T", w)
	}
	opts = opts.withDefaults()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSE{
		mailbox:   newMailbox(opts.QueueSize),
		w:         w,
		flusher:   flusher,
		heartbeat: opts.Heartbeat,
	}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", RetryMillis); err != nil {
		return nil, err
	}
	flusher.Flush()
	return s, nil
}

// Run writes queued events and heartbeats until ctx is done, the subscriber
// is closed or a write fails. It always closes the subscriber on return.
func (s *SSE) Run(ctx context.Context) error {
	defer s.Close()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case ev := <-s.queue:
			if err := WriteSSEEvent(s.w, ev); err != nil {
				return err
			}
			// drain what is already queued before flushing
			for n := len(s.queue); n > 0; n-- {
				if err := WriteSSEEvent(s.w, <-s.queue); err != nil {
					return err
				}
			}
			s.flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
				return err
			}
			s.flusher.Flush()
		}
	}
}

// WriteSSEEvent writes one frame: id, event name and JSON data.
func WriteSSEEvent(w io.Writer, ev bus.Event) error {
	data, err := ev.Data()
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.ID, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, bus.EventName, data)
	return err
}
