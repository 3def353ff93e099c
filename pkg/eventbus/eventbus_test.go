package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New(4)
	ch := bus.Subscribe(TopicTokenDiscovered)

	bus.Publish(TopicTokenDiscovered, "mint1")

	select {
	case ev := <-ch:
		require.Equal(t, TopicTokenDiscovered, ev.Topic)
		require.Equal(t, "mint1", ev.Payload)
	default:
		t.Fatal("expected a buffered event")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := New(1)
	ch := bus.Subscribe(TopicTradeProcessed)

	bus.Publish(TopicTradeProcessed, 1)
	bus.Publish(TopicTradeProcessed, 2)

	require.Equal(t, int64(1), bus.DroppedCount(TopicTradeProcessed))
	ev := <-ch
	require.Equal(t, 1, ev.Payload)
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	bus := New(4)
	require.NotPanics(t, func() { bus.Publish(TopicTokenGraduated, nil) })
}
