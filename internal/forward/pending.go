package forward

import (
	"sync"
	"time"
)

// record tracks one forward attempt until its first outcome.
type record struct {
	req      Request
	openedAt time.Time
	awaited  bool
	timedOut bool         // the awaiting caller already gave up
	done     chan Outcome // buffered(1); written once, under the table lock
}

// pendingTable maps correlation ids to attempts that have not resolved yet.
type pendingTable struct {
	mu      sync.Mutex
	records map[string]*record
}

func newPendingTable() *pendingTable {
	return &pendingTable{records: make(map[string]*record)}
}

func (p *pendingTable) open(req Request, awaited bool) *record {
	rec := &record{
		req:      req,
		openedAt: time.Now(),
		awaited:  awaited,
		done:     make(chan Outcome, 1),
	}
	p.mu.Lock()
	p.records[req.CorrelationID] = rec
	p.mu.Unlock()
	return rec
}

// resolve delivers the first outcome for id. It returns the record and true
// if this call won; later calls for the same id get false.
func (p *pendingTable) resolve(id string, out Outcome) (*record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return nil, false
	}
	delete(p.records, id)
	rec.done <- out
	return rec, true
}

// giveUp marks the awaiting caller as gone. If an outcome slipped in first it
// is returned instead.
func (p *pendingTable) giveUp(rec *record) (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[rec.req.CorrelationID]; !ok {
		// resolved between the timer firing and us taking the lock
		return <-rec.done, true
	}
	rec.timedOut = true
	return Outcome{}, false
}

// expire drops records older than ttl and returns them.
func (p *pendingTable) expire(now time.Time, ttl time.Duration) []*record {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*record
	for id, rec := range p.records {
		if now.Sub(rec.openedAt) >= ttl {
			delete(p.records, id)
			out = append(out, rec)
		}
	}
	return out
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}
