package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *Subscription) Batch {
	t.Helper()
	select {
	case b, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
	return Batch{}
}

func TestHub_FanOutInOrder(t *testing.T) {
	h := NewHub()
	a, b := h.Subscribe(), h.Subscribe()
	defer a.Close()
	defer b.Close()

	h.Publish(ConversationModified{Conversation: "CON-1"})
	h.Publish(EventInserted{Conversation: "CON-1", Event: "CON-1:1"})

	for _, s := range []*Subscription{a, b} {
		first := receive(t, s)
		second := receive(t, s)
		assert.Equal(t, int64(1), first.Seq)
		assert.Equal(t, int64(2), second.Seq)
		assert.Equal(t, "event-inserted", second.Items[0].Kind())
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe()
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(Typing{Conversation: "CON-1", On: i%2 == 0})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a subscriber that is not reading")
	}
	assert.Equal(t, int64(1), receive(t, slow).Seq)
}

func TestSubscription_CloseDiscardsPending(t *testing.T) {
	h := NewHub()
	s := h.Subscribe()
	h.Publish(MembersChanged{Conversation: "CON-1"})
	h.Publish(MembersChanged{Conversation: "CON-2"})

	s.Close()
	s.Close()
	assert.Equal(t, 0, h.Subscribers())

	// Drain whatever the pump had in hand, then the channel must close.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after Close")
		}
	}
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	h := NewHub()
	s := h.Subscribe()
	h.Close()
	h.Publish(UserSynced{User: "USR-1"})

	select {
	case _, ok := <-s.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after hub Close")
	}

	late := h.Subscribe()
	_, ok := <-late.C()
	assert.False(t, ok)
}

func TestBuffer_CoalescesConversationLevel(t *testing.T) {
	var buf Buffer
	buf.Add(
		ConversationModified{Conversation: "CON-1"},
		EventInserted{Conversation: "CON-1", Event: "CON-1:6"},
		ConversationModified{Conversation: "CON-1"},
		EventInserted{Conversation: "CON-1", Event: "CON-1:7"},
		ConversationModified{Conversation: "CON-2"},
	)
	assert.Equal(t, 4, buf.Len())

	h := NewHub()
	s := h.Subscribe()
	defer s.Close()
	h.Flush(&buf)
	assert.Equal(t, 0, buf.Len())

	b := receive(t, s)
	assert.Len(t, b.Items, 4)

	h.Flush(&buf) // empty, nothing published
	h.Publish(UserSynced{User: "USR-1"})
	assert.Equal(t, int64(2), receive(t, s).Seq)
}
