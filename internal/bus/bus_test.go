package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageBus_Defaults(t *testing.T) {
	b := NewMessageBus(Config{})
	assert.NotNil(t, b)
	assert.Equal(t, 0, b.Len())
	st := b.Stats()
	assert.Equal(t, DefaultCapacity, st.Capacity)
	assert.Equal(t, PolicyBroadcast, st.Policy)
}

func TestMessageBus_PublishSubscribe(t *testing.T) {
	b := NewMessageBus(Config{Capacity: 10})
	b.PublishInbound(msg("before"))

	sub := &recordingSub{}
	require.NoError(t, b.Subscribe(DirectionIn, "net", "bot", sub, nil))
	b.PublishInbound(msg("after"))

	assert.Equal(t, []string{"before", "after"}, bodies(sub.received()))
	assert.Equal(t, 1, b.Len())
}

func TestMessageBus_DirectionsAreIsolated(t *testing.T) {
	b := NewMessageBus(Config{Capacity: 10})
	in, out := &recordingSub{}, &recordingSub{}
	require.NoError(t, b.Subscribe(DirectionIn, "net", "bot", in, nil))
	require.NoError(t, b.Subscribe(DirectionOut, "net", "bot", out, nil))

	b.PublishInbound(msg("question"))
	b.PublishOutbound(msg("answer"))

	assert.Equal(t, []string{"question"}, bodies(in.received()))
	assert.Equal(t, []string{"answer"}, bodies(out.received()))
	// ids are per channel
	assert.Equal(t, uint64(1), in.received()[0].ID)
	assert.Equal(t, uint64(1), out.received()[0].ID)
	assert.Equal(t, DirectionOut, out.received()[0].Direction)
}

func TestMessageBus_BotsAreIsolated(t *testing.T) {
	b := NewMessageBus(Config{Capacity: 10})
	sub := &recordingSub{}
	require.NoError(t, b.Subscribe(DirectionIn, "net", "bot", sub, nil))

	other := msg("wrong")
	other.BotID = "other-bot"
	b.PublishInbound(other)

	assert.Empty(t, sub.received())
	assert.Equal(t, 2, b.Len())
}

func TestMessageBus_UnsubscribeUnknownIsNoop(t *testing.T) {
	b := NewMessageBus(Config{})
	sub := &recordingSub{}
	assert.NotPanics(t, func() {
		b.Unsubscribe(DirectionOut, "nope", "nope", sub)
	})

	require.NoError(t, b.Subscribe(DirectionOut, "net", "bot", sub, nil))
	b.Unsubscribe(DirectionOut, "net", "bot", sub)
	b.Unsubscribe(DirectionOut, "net", "bot", sub)
	b.PublishOutbound(msg("x"))
	assert.Empty(t, sub.received())
}

func TestMessageBus_ConcurrentFirstAccessSharesChannel(t *testing.T) {
	b := NewMessageBus(Config{Capacity: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.PublishInbound(msg("m"))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, b.Len())
	ch, ok := b.Lookup(msg("").Identity(DirectionIn))
	require.True(t, ok)
	st := ch.Stats()
	assert.Equal(t, 100, st.Retained)
	assert.Equal(t, uint64(100), st.LastEventID)
}

func TestMessageBus_SweepRemovesIdleChannels(t *testing.T) {
	b := NewMessageBus(Config{Capacity: 10, IdleTTL: time.Minute})
	b.PublishInbound(msg("1"))
	b.PublishInbound(msg("2"))

	busy := &recordingSub{}
	require.NoError(t, b.Subscribe(DirectionOut, "net", "bot", busy, nil))

	assert.Equal(t, 0, b.Sweep(time.Now()))
	assert.Equal(t, 1, b.Sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 1, b.Len())

	// the recreated channel continues the id sequence
	ev := b.PublishInbound(msg("3"))
	assert.Equal(t, uint64(3), ev.ID)

	late := &recordingSub{}
	require.NoError(t, b.Subscribe(DirectionIn, "net", "bot", late, u64(2)))
	assert.Equal(t, []uint64{3}, ids(late.received()))
}

func TestMessageBus_SweepKeepsNoPerIdentityState(t *testing.T) {
	b := NewMessageBus(Config{Capacity: 4, IdleTTL: time.Millisecond})
	for i := 0; i < 10000; i++ {
		m := msg("x")
		m.BotID = fmt.Sprintf("bot-%d", i)
		b.PublishInbound(m)
		b.PublishInbound(m)
	}
	require.Equal(t, 10000, b.Len())

	assert.Equal(t, 10000, b.Sweep(time.Now().Add(time.Hour)))
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.channels)
	assert.Equal(t, uint64(2), b.retiredMax)

	// a returning bot starts above every retired id
	m := msg("back")
	m.BotID = "bot-7"
	ev := b.PublishInbound(m)
	assert.Equal(t, uint64(3), ev.ID)

	sub := &recordingSub{}
	require.NoError(t, b.Subscribe(DirectionIn, "net", "bot-7", sub, u64(2)))
	assert.Equal(t, []string{"back"}, bodies(sub.received()))
}

func TestMessageBus_SweepDisabledWithoutTTL(t *testing.T) {
	b := NewMessageBus(Config{})
	b.PublishInbound(msg("1"))
	assert.Equal(t, 0, b.Sweep(time.Now().Add(24*time.Hour)))
	assert.Equal(t, 1, b.Len())
}

func TestMessageBus_SubscribeDuringSweep(t *testing.T) {
	b := NewMessageBus(Config{Capacity: 10, IdleTTL: time.Nanosecond})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Sweep(time.Now().Add(time.Second))
		}()
		go func() {
			defer wg.Done()
			sub := &recordingSub{}
			if err := b.Subscribe(DirectionIn, "net", "bot", sub, nil); err == nil {
				b.Unsubscribe(DirectionIn, "net", "bot", sub)
			}
		}()
	}
	wg.Wait()

	// a live subscriber is never swept away from under the bus
	sub := &recordingSub{}
	require.NoError(t, b.Subscribe(DirectionIn, "net", "bot", sub, nil))
	b.Sweep(time.Now().Add(time.Hour))
	b.PublishInbound(msg("still here"))
	assert.Equal(t, []string{"still here"}, bodies(sub.received()))
}

func TestMessageBus_StartStop(t *testing.T) {
	b := NewMessageBus(Config{IdleTTL: time.Millisecond, JanitorInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.PublishInbound(msg("gone soon"))
	b.Start(ctx)
	assert.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)

	b.Stop()
	b.Stop()
}
