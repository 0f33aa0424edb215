package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/energysense/sidestream"
)

func newTestPublisher(store *Store) *Publisher {
	return NewPublisher(PublisherDeps{
		Config:  PublisherConfig{Interval: time.Hour, SubscriberBuffer: 8},
		Store:   store,
		Signals: sidestream.NewRegistry(sidestream.DefaultConfig()),
	})
}

func TestPublishSwapsCurrent(t *testing.T) {
	store, clk := newTestStore(DefaultConfig())
	pub := newTestPublisher(store)

	assert.Nil(t, pub.Current(), "nothing published yet")

	store.Apply(liveRecord("B1", clk.t))
	pub.Publish()

	first := pub.Current()
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.Sequence)

	// Idempotent read: the same immutable snapshot until the next publish.
	assert.Same(t, first, pub.Current())
	assert.Equal(t, first.Totals, pub.Current().Totals)

	pub.Publish()
	second := pub.Current()
	assert.Equal(t, uint64(2), second.Sequence)
	assert.NotSame(t, first, second)
}

func TestSubscribeReceivesPublishes(t *testing.T) {
	store, clk := newTestStore(DefaultConfig())
	pub := newTestPublisher(store)

	sub := pub.Subscribe(4)
	defer sub.Close()

	store.Apply(liveRecord("B1", clk.t))
	pub.Publish()

	select {
	case snap := <-sub.C:
		assert.Equal(t, uint64(1), snap.Sequence)
		_, ok := snap.Block("B1")
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the published snapshot")
	}
}

func TestLateSubscriberSeededWithCurrent(t *testing.T) {
	store, clk := newTestStore(DefaultConfig())
	pub := newTestPublisher(store)

	store.Apply(liveRecord("B1", clk.t))
	pub.Publish()

	sub := pub.Subscribe(1)
	defer sub.Close()

	select {
	case snap := <-sub.C:
		assert.Same(t, pub.Current(), snap)
	case <-time.After(time.Second):
		t.Fatal("late subscriber was not seeded with the current snapshot")
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	store, _ := newTestStore(DefaultConfig())
	pub := newTestPublisher(store)

	slow := pub.Subscribe(1)
	fast := pub.Subscribe(8)

	pub.Publish() // fills slow's single slot
	pub.Publish() // overflows it: slow is dropped and closed

	// The slow subscriber drains its buffered snapshot, then sees close.
	<-slow.C
	_, open := <-slow.C
	assert.False(t, open, "slow subscriber channel must be closed after drop")

	// The fast subscriber is unaffected.
	assert.Len(t, fast.C, 2)
	snap, open := <-fast.C
	require.True(t, open)
	assert.Equal(t, uint64(1), snap.Sequence)

	// Closing an already-dropped subscription is harmless.
	slow.Close()
	fast.Close()
}

func TestSubscriptionCloseUnregisters(t *testing.T) {
	store, _ := newTestStore(DefaultConfig())
	pub := newTestPublisher(store)

	sub := pub.Subscribe(1)
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)

	pub.subsMu.Lock()
	remaining := len(pub.subs)
	pub.subsMu.Unlock()
	assert.Zero(t, remaining)

	// Publishing after the only subscriber left must not panic.
	pub.Publish()
}

func TestPublisherLifecycle(t *testing.T) {
	store, clk := newTestStore(DefaultConfig())
	store.Apply(liveRecord("B1", clk.t))

	pub := NewPublisher(PublisherDeps{
		Config:  PublisherConfig{Interval: 20 * time.Millisecond, SubscriberBuffer: 64},
		Store:   store,
		Signals: sidestream.NewRegistry(sidestream.DefaultConfig()),
	})

	sub := pub.Subscribe(64)

	ctx := context.Background()
	require.NoError(t, pub.Start(ctx))
	require.NoError(t, pub.Start(ctx), "second Start is a no-op")

	require.Eventually(t, func() bool {
		cur := pub.Current()
		return cur != nil && cur.Sequence >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, pub.Stop(time.Second))
	require.NoError(t, pub.Stop(time.Second), "second Stop is a no-op")

	// Stop performs a final publish, then closes subscriber channels:
	// draining the subscription must terminate.
	var last *DashboardSnapshot
	for snap := range sub.C {
		last = snap
	}
	require.NotNil(t, last)
	assert.Equal(t, pub.Current().Sequence, last.Sequence,
		"final publish is the last thing subscribers see")
}

func TestPublisherStartValidation(t *testing.T) {
	pub := NewPublisher(PublisherDeps{Config: DefaultPublisherConfig()})
	require.Error(t, pub.Start(context.Background()))

	store, _ := newTestStore(DefaultConfig())
	pub = NewPublisher(PublisherDeps{
		Config:  PublisherConfig{Interval: 0},
		Store:   store,
		Signals: sidestream.NewRegistry(sidestream.DefaultConfig()),
	})
	require.Error(t, pub.Start(context.Background()))
}
