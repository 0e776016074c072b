package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroker_Subscribe(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)

	broker.Publish("hello")

	select {
	case event := <-ch:
		require.Equal(t, "hello", event.Payload)
		require.False(t, event.Timestamp.IsZero())
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for event")
	}
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx := context.Background()

	ch1 := broker.Subscribe(ctx)
	ch2 := broker.Subscribe(ctx)
	ch3 := broker.Subscribe(ctx)

	require.Equal(t, 3, broker.SubscriberCount())

	broker.Publish(42)

	for i, ch := range []<-chan Event[int]{ch1, ch2, ch3} {
		select {
		case event := <-ch:
			require.Equal(t, 42, event.Payload, "subscriber %d", i)
		case <-time.After(100 * time.Millisecond):
			require.Fail(t, "timeout waiting for event", "subscriber %d", i)
		}
	}
}

func TestBroker_SeqOrdering(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ch := broker.Subscribe(context.Background())

	for i := 0; i < 10; i++ {
		broker.Publish(i)
	}

	var lastSeq uint64
	for i := 0; i < 10; i++ {
		event := <-ch
		require.Equal(t, i, event.Payload)
		require.Greater(t, event.Seq, lastSeq)
		lastSeq = event.Seq
	}
}

func TestBroker_ContextCancellation(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.Subscribe(ctx)

	cancel()

	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)

	_, open := <-ch
	require.False(t, open)
}

func TestBroker_PublishWithoutSubscribers(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	// Must not block or panic.
	broker.Publish("dropped")
}

func TestBroker_NonBlockingPublish(t *testing.T) {
	broker := NewBrokerWithBuffer[int](2)
	defer broker.Close()

	ch := broker.Subscribe(context.Background())

	// Third publish overflows the buffer and must drop, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			broker.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "publish blocked on a full subscriber")
	}

	require.Equal(t, 0, (<-ch).Payload)
	require.Equal(t, 1, (<-ch).Payload)
}

func TestBroker_CloseClosesSubscribers(t *testing.T) {
	broker := NewBroker[string]()
	ch := broker.Subscribe(context.Background())

	broker.Close()

	_, open := <-ch
	require.False(t, open)

	// Publishing after close is a no-op.
	broker.Publish("late")

	// Subscribing after close yields a closed channel.
	ch2 := broker.Subscribe(context.Background())
	_, open = <-ch2
	require.False(t, open)
}
