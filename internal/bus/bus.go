package bus

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Config configures a MessageBus.
type Config struct {
	Capacity        int           // events retained per channel (default 500)
	Policy          Policy        // subscriber policy for every channel (default broadcast)
	IdleTTL         time.Duration // drop channels without subscribers after this long (0 = never)
	JanitorInterval time.Duration // how often idle channels are swept (default IdleTTL/4, min 1s)
}

// DefaultCapacity is the per-channel log size used when Config.Capacity is unset.
const DefaultCapacity = 500

// MessageBus maps channel identities to lazily created Channels and routes
// publish/subscribe calls to them.
type MessageBus struct {
	mu       sync.RWMutex
	channels map[ChannelIdentity]*Channel
	// retiredMax is the highest id any retired channel handed out. Channels
	// created after a sweep start above it, so a resume token from a retired
	// channel never matches an event of its successor.
	retiredMax uint64

	capacity        int
	policy          Policy
	idleTTL         time.Duration
	janitorInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMessageBus creates a bus. Call Start to enable idle-channel eviction.
func NewMessageBus(cfg Config) *MessageBus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyBroadcast
	}
	if cfg.JanitorInterval <= 0 && cfg.IdleTTL > 0 {
		cfg.JanitorInterval = cfg.IdleTTL / 4
		if cfg.JanitorInterval < time.Second {
			cfg.JanitorInterval = time.Second
		}
	}
	return &MessageBus{
		channels:        make(map[ChannelIdentity]*Channel),
		capacity:        cfg.Capacity,
		policy:          cfg.Policy,
		idleTTL:         cfg.IdleTTL,
		janitorInterval: cfg.JanitorInterval,
		stopCh:          make(chan struct{}),
	}
}

// channel returns the Channel for id, creating it on first use. Concurrent
// first accesses all observe the same instance.
func (b *MessageBus) channel(id ChannelIdentity) *Channel {
	b.mu.RLock()
	ch, ok := b.channels[id]
	b.mu.RUnlock()
	if ok {
		return ch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[id]; ok {
		return ch
	}
	ch = newChannel(id, b.capacity, b.policy, b.retiredMax+1)
	b.channels[id] = ch
	return ch
}

// Lookup returns the channel for id without creating it.
func (b *MessageBus) Lookup(id ChannelIdentity) (*Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[id]
	return ch, ok
}

// Publish appends msg to the (msg.NetworkID, msg.BotID, dir) channel and
// broadcasts it to that channel's subscribers.
func (b *MessageBus) Publish(dir Direction, msg Message) Event {
	id := msg.Identity(dir)
	for {
		// A retired channel has just been swept; the next lookup creates
		// its successor.
		if ev, ok := b.channel(id).publish(msg); ok {
			return ev
		}
	}
}

// PublishInbound records a message received by the gateway.
func (b *MessageBus) PublishInbound(msg Message) Event {
	return b.Publish(DirectionIn, msg)
}

// PublishOutbound records a reply routed back through the gateway.
func (b *MessageBus) PublishOutbound(msg Message) Event {
	return b.Publish(DirectionOut, msg)
}

// Subscribe replays the backlog after lastID to sub and attaches it live.
func (b *MessageBus) Subscribe(dir Direction, networkID, botID string, sub Subscriber, lastID *uint64) error {
	id := ChannelIdentity{NetworkID: networkID, BotID: botID, Direction: dir}
	for {
		ok, err := b.channel(id).attach(sub, lastID)
		if ok {
			return err
		}
	}
}

// Unsubscribe detaches sub. It is a no-op for unknown subscribers.
func (b *MessageBus) Unsubscribe(dir Direction, networkID, botID string, sub Subscriber) {
	id := ChannelIdentity{NetworkID: networkID, BotID: botID, Direction: dir}
	if ch, ok := b.Lookup(id); ok {
		ch.Detach(sub)
	}
}

// Capacity is the per-channel log size.
func (b *MessageBus) Capacity() int { return b.capacity }

// Len returns the number of live channels.
func (b *MessageBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

// Sweep retires every channel that has had no subscribers for at least the
// idle TTL and returns how many were removed.
func (b *MessageBus) Sweep(now time.Time) int {
	if b.idleTTL <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, ch := range b.channels {
		if lastID, ok := ch.retireIfIdle(now, b.idleTTL); ok {
			delete(b.channels, id)
			if lastID > b.retiredMax {
				b.retiredMax = lastID
			}
			removed++
		}
	}
	return removed
}

// Start runs the idle-channel janitor until ctx is cancelled or Stop is
// called. It returns immediately when eviction is disabled.
func (b *MessageBus) Start(ctx context.Context) {
	if b.idleTTL <= 0 {
		return
	}
	go b.janitor(ctx)
}

func (b *MessageBus) janitor(ctx context.Context) {
	ticker := time.NewTicker(b.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if n := b.Sweep(now); n > 0 {
				log.Printf("[Bus] Evicted %d idle channel(s)", n)
			}
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		}
	}
}

// Stop halts the janitor. Safe to call more than once.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Stats summarizes the bus for status endpoints.
type Stats struct {
	Capacity int            `json:"capacity"`
	Policy   Policy         `json:"policy"`
	Channels []ChannelStats `json:"channels"`
}

// Stats returns a snapshot of every live channel, sorted by name.
func (b *MessageBus) Stats() Stats {
	b.mu.RLock()
	chans := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	out := Stats{Capacity: b.capacity, Policy: b.policy, Channels: make([]ChannelStats, 0, len(chans))}
	for _, ch := range chans {
		out.Channels = append(out.Channels, ch.Stats())
	}
	sort.Slice(out.Channels, func(i, j int) bool {
		return out.Channels[i].Channel < out.Channels[j].Channel
	})
	return out
}
