package publish

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(8)
	ch, _, unsubscribe := bus.Subscribe(0)
	defer unsubscribe()

	bus.Publish("update", map[string]string{"a": "b"})

	select {
	case ev := <-ch:
		assert.Equal(t, uint64(1), ev.Seq)
		assert.Equal(t, "update", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestBus_ReplayBacklog(t *testing.T) {
	bus := NewBus(8)
	bus.Publish("a", 1)
	bus.Publish("b", 2)
	ev3 := bus.Publish("c", 3)

	_, backlog, unsubscribe := bus.Subscribe(ev3.Seq - 1)
	defer unsubscribe()

	require.Len(t, backlog, 1)
	assert.Equal(t, "c", backlog[0].Type)
}

func TestBus_ReplayCapBounded(t *testing.T) {
	bus := NewBus(2)
	bus.Publish("a", 1)
	bus.Publish("b", 2)
	bus.Publish("c", 3)
	bus.Publish("d", 4)

	// lastSeen 0 disables replay, so resume after "a": without the cap the
	// backlog would hold b, c and d.
	_, backlog, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	assert.Len(t, backlog, 2)
	assert.Equal(t, "c", backlog[0].Type)
	assert.Equal(t, "d", backlog[1].Type)
}

func TestBus_SubscriberCount(t *testing.T) {
	bus := NewBus(8)
	assert.Equal(t, 0, bus.SubscriberCount())
	_, _, unsubscribe := bus.Subscribe(0)
	assert.Equal(t, 1, bus.SubscriberCount())
	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())
}
