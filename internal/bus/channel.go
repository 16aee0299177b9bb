package bus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Subscriber is a sink for channel events. The bus never creates
// subscribers; it only holds a reference while they are attached.
//
// Send is called with the channel lock held and must not block: an
// implementation that cannot accept the event right away returns an error
// and is detached. Implementations must be comparable (pointer types).
type Subscriber interface {
	Send(ev Event) error
	Close()
}

// Policy decides what attaching a new subscriber does to existing ones.
type Policy string

const (
	// PolicyBroadcast keeps every attached subscriber (the default).
	PolicyBroadcast Policy = "broadcast"
	// PolicyExclusive closes and drops prior subscribers on attach.
	PolicyExclusive Policy = "exclusive"
)

// ErrBacklogReplay is returned by Attach when the subscriber rejected part of
// its backlog. The subscriber has been closed and was never made live.
var ErrBacklogReplay = errors.New("backlog replay failed")

// Channel owns the log and live subscribers of one ChannelIdentity.
// Publish, Attach and Detach are mutually exclusive.
type Channel struct {
	id     ChannelIdentity
	policy Policy

	mu        sync.Mutex
	log       *RingLog
	subs      map[Subscriber]struct{}
	idleSince time.Time
	retired   bool // removed from the bus; callers must look it up again
}

// NewChannel creates an empty channel.
func NewChannel(id ChannelIdentity, capacity int, policy Policy) *Channel {
	return newChannel(id, capacity, policy, 1)
}

func newChannel(id ChannelIdentity, capacity int, policy Policy, firstID uint64) *Channel {
	if policy == "" {
		policy = PolicyBroadcast
	}
	return &Channel{
		id:        id,
		policy:    policy,
		log:       newRingLog(capacity, id.Direction, firstID),
		subs:      make(map[Subscriber]struct{}),
		idleSince: time.Now(),
	}
}

// Identity returns the channel's key.
func (c *Channel) Identity() ChannelIdentity { return c.id }

// Publish appends msg to the log and broadcasts the new event to every
// attached subscriber. Subscribers that fail to accept it are detached and
// closed; publication itself never fails.
func (c *Channel) Publish(msg Message) Event {
	ev, _ := c.publish(msg)
	return ev
}

func (c *Channel) publish(msg Message) (Event, bool) {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return Event{}, false
	}
	ev := c.log.Push(msg)
	var failed []Subscriber
	for sub := range c.subs {
		if err := sub.Send(ev); err != nil {
			log.Printf("[Bus] ⚠️ Dropping subscriber on %s: %v", c.id, err)
			delete(c.subs, sub)
			failed = append(failed, sub)
		}
	}
	if len(failed) > 0 {
		c.markIdleLocked()
	}
	c.mu.Unlock()

	// Close outside the lock: a subscriber's Close usually calls back into
	// Detach.
	for _, sub := range failed {
		sub.Close()
	}
	return ev, true
}

// Attach replays the backlog after lastID (nil = everything retained) to sub
// and then makes it live. No Publish can interleave with the handoff, so the
// subscriber sees every id exactly once and in order.
func (c *Channel) Attach(sub Subscriber, lastID *uint64) error {
	_, err := c.attach(sub, lastID)
	return err
}

func (c *Channel) attach(sub Subscriber, lastID *uint64) (bool, error) {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return false, nil
	}
	var evicted []Subscriber
	if c.policy == PolicyExclusive {
		for prev := range c.subs {
			if prev != sub {
				delete(c.subs, prev)
				evicted = append(evicted, prev)
			}
		}
	}

	var replayErr error
	for _, ev := range c.log.Since(lastID) {
		if err := sub.Send(ev); err != nil {
			replayErr = fmt.Errorf("%w: event %d on %s: %v", ErrBacklogReplay, ev.ID, c.id, err)
			break
		}
	}
	if replayErr == nil {
		c.subs[sub] = struct{}{}
		c.idleSince = time.Time{}
	} else {
		c.markIdleLocked()
	}
	c.mu.Unlock()

	for _, prev := range evicted {
		prev.Close()
	}
	if replayErr != nil {
		sub.Close()
		return true, replayErr
	}
	return true, nil
}

// Detach removes sub. Unknown or already-detached subscribers are ignored.
func (c *Channel) Detach(sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub]; !ok {
		return
	}
	delete(c.subs, sub)
	c.markIdleLocked()
}

// markIdleLocked starts the idle clock once the last subscriber is gone.
func (c *Channel) markIdleLocked() {
	if len(c.subs) == 0 && c.idleSince.IsZero() {
		c.idleSince = time.Now()
	}
}

// IdleFor reports how long the channel has had no subscribers, or 0 if it
// has at least one.
func (c *Channel) IdleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 || c.idleSince.IsZero() {
		return 0
	}
	return now.Sub(c.idleSince)
}

// retireIfIdle marks the channel retired when it has had no subscribers for
// at least ttl. It returns the last id handed out so the bus can continue the
// sequence if the identity comes back.
func (c *Channel) retireIfIdle(now time.Time, ttl time.Duration) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 || c.idleSince.IsZero() || now.Sub(c.idleSince) < ttl {
		return 0, false
	}
	c.retired = true
	return c.log.LastID(), true
}

// ChannelStats is a point-in-time view of a channel.
type ChannelStats struct {
	Channel     string `json:"channel"`
	Retained    int    `json:"retained"`
	LastEventID uint64 `json:"lastEventId"`
	Subscribers int    `json:"subscribers"`
}

// Stats returns a snapshot of the channel's counters.
func (c *Channel) Stats() ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelStats{
		Channel:     c.id.String(),
		Retained:    c.log.Len(),
		LastEventID: c.log.LastID(),
		Subscribers: len(c.subs),
	}
}
