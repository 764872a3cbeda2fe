package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenCmdDeliversEvent(t *testing.T) {
	ch := make(chan Event[string], 1)
	ch <- Event[string]{Type: UpdatedEvent, Payload: "turn"}

	msg := ListenCmd(context.Background(), ch)()
	event, ok := msg.(Event[string])
	require.True(t, ok)
	require.Equal(t, "turn", event.Payload)
}

func TestListenCmdNilOnClosedChannel(t *testing.T) {
	ch := make(chan Event[string])
	close(ch)

	require.Nil(t, ListenCmd(context.Background(), ch)())
}

func TestListenCmdNilOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan Event[string])

	require.Nil(t, ListenCmd(ctx, ch)())
}

func TestContinuousListenerFollowsBroker(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewContinuousListener(ctx, broker)

	done := make(chan Event[int], 1)
	go func() {
		if event, ok := l.Listen()().(Event[int]); ok {
			done <- event
		}
	}()

	// Give the listener a moment to block on the channel.
	time.Sleep(10 * time.Millisecond)
	broker.Publish(CreatedEvent, 7)

	select {
	case event := <-done:
		require.Equal(t, 7, event.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}
