package forward

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dayuer/beacon-gateway/internal/bus"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultPendingTTL = 10 * time.Minute
)

// Outcome sources, as they appear in logs.
const (
	sourceDirect   = "direct"
	sourceCallback = "callback"
)

// Config wires a Coordinator.
type Config struct {
	Transport     Transport
	Settings      SettingsSource
	ReturnAddress string
	// Publisher receives outcomes that arrive after an awaiting caller
	// already got TimedOut. Optional.
	Publisher   Publisher
	SurfaceLate bool
	PendingTTL  time.Duration
	NewID       func() string
}

// Result is what the HTTP boundary maps to a response.
type Result struct {
	CorrelationID string
	// Accepted is set in fire-and-forget mode; Outcome is then empty.
	Accepted bool
	Outcome  Outcome
}

// Stats are cumulative counters since start.
type Stats struct {
	Forwarded int64 `json:"forwarded"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timedOut"`
	Late      int64 `json:"late"`
	Pending   int   `json:"pending"`
}

// Coordinator runs forward attempts.
type Coordinator struct {
	transport   Transport
	settings    SettingsSource
	returnAddr  string
	publisher   Publisher
	surfaceLate bool
	pendingTTL  time.Duration
	newID       func() string

	pending *pendingTable
	tracer  trace.Tracer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	forwarded, succeeded, failed, timedOut, late atomic.Int64
}

// NewCoordinator creates a Coordinator. Transport is required.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Settings == nil {
		cfg.Settings = StaticSettings{Timeout: DefaultTimeout}
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		transport:   cfg.Transport,
		settings:    cfg.Settings,
		returnAddr:  cfg.ReturnAddress,
		publisher:   cfg.Publisher,
		surfaceLate: cfg.SurfaceLate,
		pendingTTL:  cfg.PendingTTL,
		newID:       cfg.NewID,
		pending:     newPendingTable(),
		tracer:      otel.Tracer("github.com/dayuer/beacon-gateway/internal/forward"),
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// ReturnAddress is the identifier remote agents use to call back.
func (c *Coordinator) ReturnAddress() string { return c.returnAddr }

// Forward hands msg to the remote agent. In fire-and-forget mode it returns
// at once with Accepted set. In await mode it returns the first of: the
// transport outcome, a matching callback, or TimedOut after the configured
// timeout. ctx only bounds the wait, never the transport call.
func (c *Coordinator) Forward(ctx context.Context, msg bus.Message) Result {
	settings := c.settings.ForwardSettings()
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	req := Request{
		CorrelationID: c.newID(),
		ReturnAddress: c.returnAddr,
		Message:       msg,
	}
	req.Message.CorrelationID = req.CorrelationID
	rec := c.pending.open(req, settings.Await)
	c.forwarded.Add(1)

	c.wg.Add(1)
	go c.run(req)

	if !settings.Await {
		return Result{CorrelationID: req.CorrelationID, Accepted: true}
	}

	timer := time.NewTimer(settings.Timeout)
	defer timer.Stop()

	var expired Outcome
	select {
	case out := <-rec.done:
		return Result{CorrelationID: req.CorrelationID, Outcome: out}
	case <-timer.C:
		expired = TimedOut()
	case <-ctx.Done():
		expired = Failed(ctx.Err().Error())
	}

	if out, ok := c.pending.giveUp(rec); ok {
		return Result{CorrelationID: req.CorrelationID, Outcome: out}
	}
	if expired.Status == StatusTimedOut {
		c.timedOut.Add(1)
		log.Printf("[Forward] ⏱️ %s timed out after %s, call still running", req.CorrelationID, settings.Timeout)
	}
	return Result{CorrelationID: req.CorrelationID, Outcome: expired}
}

// Complete resolves an attempt from the return channel. It reports whether
// the id matched an attempt that had not resolved yet.
func (c *Coordinator) Complete(correlationID string, out Outcome) bool {
	return c.resolve(correlationID, out, sourceCallback)
}

func (c *Coordinator) run(req Request) {
	defer c.wg.Done()

	ctx, span := c.tracer.Start(c.baseCtx, "forward.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("forward.correlation_id", req.CorrelationID),
			attribute.String("forward.network_id", req.Message.NetworkID),
			attribute.String("forward.bot_id", req.Message.BotID),
			attribute.String("forward.bot_type", string(req.Message.BotType)),
		))
	defer span.End()

	out, err := c.transport.Send(ctx, req)
	if err != nil {
		span.RecordError(err)
		out = Failed(err.Error())
	}
	span.SetAttributes(attribute.String("forward.status", string(out.Status)))
	if out.Status != StatusSucceeded {
		span.SetStatus(codes.Error, out.Description)
	}

	c.resolve(req.CorrelationID, out, sourceDirect)
}

func (c *Coordinator) resolve(id string, out Outcome, source string) bool {
	rec, ok := c.pending.resolve(id, out)
	if !ok {
		log.Printf("[Forward] %s outcome for %s ignored (already resolved or unknown): %s", source, id, out.Status)
		return false
	}

	switch out.Status {
	case StatusSucceeded:
		c.succeeded.Add(1)
	default:
		c.failed.Add(1)
	}

	switch {
	case rec.timedOut:
		c.late.Add(1)
		log.Printf("[Forward] 🐢 late %s outcome for %s: %s %s", source, id, out.Status, out.Description)
		// a callback already put the agent's reply on the outbound stream
		if source == sourceDirect {
			c.surface(rec, out)
		}
	case !rec.awaited:
		if out.Status == StatusSucceeded {
			log.Printf("[Forward] ✅ %s delivered (%s)", id, source)
		} else {
			log.Printf("[Forward] ⚠️ %s failed (%s): %s", id, source, out.Description)
		}
	}
	return true
}

// surface publishes a late outcome on the outbound channel of the message
// that was forwarded.
func (c *Coordinator) surface(rec *record, out Outcome) {
	if !c.surfaceLate || c.publisher == nil {
		return
	}
	msg := rec.req.Message
	msg.CorrelationID = rec.req.CorrelationID
	msg.ForwardStatus = string(out.Status)
	msg.Body = out.Description
	if msg.Body == "" {
		msg.Body = fmt.Sprintf("forward %s", out.Status)
	}
	c.publisher.PublishOutbound(msg)
}

// Sweep drops attempts that never resolved within the pending TTL.
func (c *Coordinator) Sweep(now time.Time) int {
	expired := c.pending.expire(now, c.pendingTTL)
	for _, rec := range expired {
		log.Printf("[Forward] ⚠️ %s expired without an outcome", rec.req.CorrelationID)
	}
	return len(expired)
}

// Start runs the pending-table janitor until ctx is done or Close is called.
func (c *Coordinator) Start(ctx context.Context) {
	interval := c.pendingTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.baseCtx.Done():
				return
			case now := <-ticker.C:
				c.Sweep(now)
			}
		}
	}()
}

// Wait blocks until every in-flight transport call has returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Close cancels in-flight transport calls and waits for them.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Forwarded: c.forwarded.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		TimedOut:  c.timedOut.Load(),
		Late:      c.late.Load(),
		Pending:   c.pending.len(),
	}
}
