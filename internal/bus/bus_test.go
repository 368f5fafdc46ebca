package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("policy:update", 4)
	defer sub.Unsubscribe()

	b.Publish("policy:update", "hello")

	select {
	case msg := <-sub.C():
		assert.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublishSkipsFullSubscriberWithoutBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("topic", 1)
	defer sub.Unsubscribe()

	b.Publish("topic", "first")
	b.Publish("topic", "second") // buffer full, dropped silently

	done := make(chan struct{})
	go func() {
		b.Publish("topic", "third")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	require.Equal(t, "first", <-sub.C())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("topic", 1)
	sub.Unsubscribe()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount("topic"))
}
