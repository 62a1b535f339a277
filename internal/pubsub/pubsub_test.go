package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case value, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return value
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestSubscribersReceiveValuesInOrder(t *testing.T) {
	b := NewBroadcaster[int]()
	first := b.Subscribe()
	second := b.Subscribe()
	defer first.Unsubscribe()
	defer second.Unsubscribe()

	for i := 1; i <= 50; i++ {
		b.Publish(i)
	}
	for i := 1; i <= 50; i++ {
		assert.Equal(t, i, receive(t, first))
	}
	for i := 1; i <= 50; i++ {
		assert.Equal(t, i, receive(t, second))
	}
}

func TestSubscribeDoesNotReplay(t *testing.T) {
	b := NewBroadcaster[string]()
	b.Publish("before")
	sub := b.Subscribe()
	defer sub.Unsubscribe()
	b.Publish("after")
	assert.Equal(t, "after", receive(t, sub))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster[int]()
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Equal(t, 0, b.SubscriberCount())

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("expected channel to close")
	}
	b.Publish(1)
}

func TestSubscribeFuncFiltersAndTransforms(t *testing.T) {
	b := NewBroadcaster[int]()
	evens := b.SubscribeFunc(func(v int) (int, bool) {
		return v * 10, v%2 == 0
	})
	defer evens.Unsubscribe()
	for i := 1; i <= 4; i++ {
		b.Publish(i)
	}
	assert.Equal(t, 20, receive(t, evens))
	assert.Equal(t, 40, receive(t, evens))
}
