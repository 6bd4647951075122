// ABOUTME: Tests for the in-memory message broadcaster
// ABOUTME: Covers fan-out, conversation isolation, and context cleanup

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/store"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(context.Background(), "conv-1")
	ch2, _ := b.Subscribe(context.Background(), "conv-1")
	other, _ := b.Subscribe(context.Background(), "conv-2")

	msg := &store.Message{ID: "m1", ConversationID: "conv-1"}
	b.Publish("conv-1", msg)

	for _, ch := range []<-chan *store.Message{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "m1", got.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the message")
		}
	}

	select {
	case <-other:
		t.Fatal("message crossed conversations")
	default:
	}
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Must not panic or block.
	b.Publish("conv-x", &store.Message{ID: "m1"})
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background(), "conv-1")
	b.Unsubscribe("conv-1", subID)

	_, open := <-ch
	assert.False(t, open)

	// Unsubscribing twice is a no-op.
	b.Unsubscribe("conv-1", subID)
}

func TestBroadcaster_ContextCancelCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "conv-1")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
}
