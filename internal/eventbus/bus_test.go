package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_FanoutAndPrefixFilter(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	tasks, unsubTasks := b.Subscribe(4, "task.")
	defer unsubTasks()

	b.Publish(Event{Type: "task.started", Data: 1})
	b.Publish(Event{Type: "stimulus.fired", Data: 2})

	require.Len(t, all, 2)
	require.Len(t, tasks, 1)

	e := <-tasks
	require.Equal(t, "task.started", e.Type)
	require.False(t, e.Time.IsZero())
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x"})
	}
	require.Equal(t, uint64(2), b.Dropped())
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "x"})
}
