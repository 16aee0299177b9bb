package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSub collects every event it is sent.
type recordingSub struct {
	mu      sync.Mutex
	events  []Event
	closed  int
	failAt  int // fail the n-th Send (1-based); 0 = never
	sends   int
	onClose func()
}

func (s *recordingSub) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if s.failAt > 0 && s.sends >= s.failAt {
		return errors.New("sink full")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSub) Close() {
	s.mu.Lock()
	s.closed++
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *recordingSub) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSub) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestChannel(capacity int) *Channel {
	return NewChannel(ChannelIdentity{NetworkID: "net", BotID: "bot", Direction: DirectionIn}, capacity, PolicyBroadcast)
}

func TestChannel_ScenarioB(t *testing.T) {
	ch := newTestChannel(3)
	for _, b := range []string{"A", "B", "C", "D"} {
		ch.Publish(msg(b))
	}

	sub := &recordingSub{}
	require.NoError(t, ch.Attach(sub, u64(2)))
	assert.Equal(t, []uint64{3, 4}, ids(sub.received()))

	ev := ch.Publish(msg("E"))
	assert.Equal(t, uint64(5), ev.ID)
	assert.Equal(t, []uint64{3, 4, 5}, ids(sub.received()))
	assert.Equal(t, []string{"C", "D", "E"}, bodies(sub.received()))
}

func TestChannel_AttachWithoutLastIDReplaysEverything(t *testing.T) {
	ch := newTestChannel(10)
	ch.Publish(msg("one"))
	ch.Publish(msg("two"))

	sub := &recordingSub{}
	require.NoError(t, ch.Attach(sub, nil))
	assert.Equal(t, []string{"one", "two"}, bodies(sub.received()))
}

func TestChannel_BroadcastToAllSubscribers(t *testing.T) {
	ch := newTestChannel(10)
	a, b := &recordingSub{}, &recordingSub{}
	require.NoError(t, ch.Attach(a, nil))
	require.NoError(t, ch.Attach(b, nil))

	ch.Publish(msg("hi"))
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
	assert.Equal(t, 2, ch.Stats().Subscribers)
}

func TestChannel_FailingSubscriberIsDetachedOthersUnaffected(t *testing.T) {
	ch := newTestChannel(10)
	bad := &recordingSub{failAt: 2}
	good := &recordingSub{}
	require.NoError(t, ch.Attach(bad, nil))
	require.NoError(t, ch.Attach(good, nil))

	ch.Publish(msg("1"))
	ch.Publish(msg("2"))
	ch.Publish(msg("3"))

	assert.Equal(t, []uint64{1, 2, 3}, ids(good.received()))
	assert.Equal(t, []uint64{1}, ids(bad.received()))
	assert.Equal(t, 1, bad.closeCount())
	assert.Equal(t, 1, ch.Stats().Subscribers)
}

func TestChannel_CloseCallbackMayDetach(t *testing.T) {
	ch := newTestChannel(10)
	sub := &recordingSub{failAt: 1}
	sub.onClose = func() { ch.Detach(sub) }
	require.NoError(t, ch.Attach(sub, nil))

	done := make(chan struct{})
	go func() {
		ch.Publish(msg("boom"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish deadlocked on subscriber close")
	}
	assert.Equal(t, 1, sub.closeCount())
}

func TestChannel_BacklogFailureDoesNotAttach(t *testing.T) {
	ch := newTestChannel(10)
	ch.Publish(msg("1"))
	ch.Publish(msg("2"))

	sub := &recordingSub{failAt: 2}
	err := ch.Attach(sub, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBacklogReplay))
	assert.Equal(t, 1, sub.closeCount())
	assert.Equal(t, 0, ch.Stats().Subscribers)
}

func TestChannel_DetachIsIdempotent(t *testing.T) {
	ch := newTestChannel(10)
	sub := &recordingSub{}

	assert.NotPanics(t, func() { ch.Detach(sub) })
	require.NoError(t, ch.Attach(sub, nil))
	ch.Detach(sub)
	ch.Detach(sub)
	assert.Equal(t, 0, ch.Stats().Subscribers)

	ch.Publish(msg("after"))
	assert.Empty(t, sub.received())
}

func TestChannel_ExclusivePolicyPreemptsPrevious(t *testing.T) {
	ch := NewChannel(ChannelIdentity{NetworkID: "n", BotID: "b", Direction: DirectionOut}, 10, PolicyExclusive)
	first, second := &recordingSub{}, &recordingSub{}
	require.NoError(t, ch.Attach(first, nil))
	require.NoError(t, ch.Attach(second, nil))

	assert.Equal(t, 1, first.closeCount())
	ch.Publish(msg("only-second"))
	assert.Empty(t, first.received())
	assert.Len(t, second.received(), 1)
}

// Attach racing with a stream of publishes must still hand the subscriber a
// gap-free, duplicate-free, ordered sequence.
func TestChannel_AttachAtomicWithPublish(t *testing.T) {
	const total = 2000
	ch := newTestChannel(total)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			ch.Publish(msg("x"))
		}
	}()

	subs := make([]*recordingSub, 8)
	for i := range subs {
		subs[i] = &recordingSub{}
		require.NoError(t, ch.Attach(subs[i], nil))
	}
	wg.Wait()

	for _, s := range subs {
		got := ids(s.received())
		require.NotEmpty(t, got)
		assert.Equal(t, uint64(total), got[len(got)-1])
		for i := 1; i < len(got); i++ {
			require.Equal(t, got[i-1]+1, got[i], "gap or duplicate at %d", i)
		}
		// the log never evicted, so every subscriber saw the whole history
		assert.Equal(t, uint64(1), got[0])
	}
}

func TestChannel_IdleTracking(t *testing.T) {
	ch := newTestChannel(4)
	now := time.Now()
	assert.Greater(t, ch.IdleFor(now.Add(time.Minute)), time.Duration(0))

	sub := &recordingSub{}
	require.NoError(t, ch.Attach(sub, nil))
	assert.Equal(t, time.Duration(0), ch.IdleFor(now.Add(time.Hour)))

	ch.Detach(sub)
	assert.Greater(t, ch.IdleFor(time.Now().Add(time.Minute)), time.Duration(0))
}
