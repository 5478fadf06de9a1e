package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventTaskClaimed, TaskID: "t-1", Blueprint: "impl-1"})

	ev := receive(t, sub)
	assert.Equal(t, EventTaskClaimed, ev.Type)
	assert.Equal(t, "t-1", ev.TaskID)
	assert.False(t, ev.Time.IsZero(), "publish must stamp the time")
}

func TestBrokerFiltersByType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	failures := b.Subscribe(EventTaskFailed)
	defer b.Unsubscribe(failures)

	b.Publish(&Event{Type: EventTaskClaimed, TaskID: "t-1"})
	b.Publish(&Event{Type: EventTaskFailed, TaskID: "t-2"})

	ev := receive(t, failures)
	require.Equal(t, EventTaskFailed, ev.Type)
	assert.Equal(t, "t-2", ev.TaskID)
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// Not started: intake fills up, further publishes are dropped
	for i := 0; i < 500; i++ {
		b.Publish(&Event{Type: EventTickCompleted})
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())
}
