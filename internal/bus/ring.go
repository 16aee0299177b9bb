package bus

// RingLog is a bounded, id-ordered event log for a single channel.
//
// It does no locking of its own; the owning Channel serializes access.
// Storage is a fixed circular slice: head is the index of the oldest event
// and size the number of retained events.
type RingLog struct {
	items    []Event
	head     int
	size     int
	nextID   uint64
	dir      Direction
	capacity int
}

// NewRingLog creates a log holding at most capacity events.
// A non-positive capacity is treated as 1.
func NewRingLog(capacity int, dir Direction) *RingLog {
	return newRingLog(capacity, dir, 1)
}

// newRingLog creates a log whose first event gets firstID. The bus uses it to
// keep ids monotonic when a retired channel is recreated.
func newRingLog(capacity int, dir Direction, firstID uint64) *RingLog {
	if capacity <= 0 {
		capacity = 1
	}
	if firstID == 0 {
		firstID = 1
	}
	return &RingLog{
		items:    make([]Event, capacity),
		nextID:   firstID,
		dir:      dir,
		capacity: capacity,
	}
}

// Push appends msg with the next id, evicting the oldest event when full.
func (r *RingLog) Push(msg Message) Event {
	ev := Event{ID: r.nextID, Direction: r.dir, Payload: msg}
	r.nextID++

	if r.size < r.capacity {
		r.items[(r.head+r.size)%r.capacity] = ev
		r.size++
		return ev
	}
	// full: overwrite the oldest slot and advance head
	r.items[r.head] = ev
	r.head = (r.head + 1) % r.capacity
	return ev
}

// Since returns retained events with id > *lastID, oldest first.
// A nil lastID returns the whole buffer. If lastID has already been evicted
// only what remains is returned; the gap is not reported.
func (r *RingLog) Since(lastID *uint64) []Event {
	start := 0
	if lastID != nil {
		if r.size == 0 || *lastID >= r.LastID() {
			return nil
		}
		oldest := r.items[r.head].ID
		if *lastID >= oldest {
			start = int(*lastID - oldest + 1)
		}
	}

	out := make([]Event, 0, r.size-start)
	for i := start; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%r.capacity])
	}
	return out
}

// Len returns the number of retained events.
func (r *RingLog) Len() int { return r.size }

// Capacity returns the maximum number of retained events.
func (r *RingLog) Capacity() int { return r.capacity }

// LastID returns the id of the newest event ever pushed, or 0.
func (r *RingLog) LastID() uint64 { return r.nextID - 1 }
