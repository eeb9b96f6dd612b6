package trace

import (
	"errors"
	"testing"
	"time"

	"github.com/EchoPBX/subpub/pkg/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedDelivers(t *testing.T) {
	f := NewFeed()
	a, b := f.Subscribe(), f.Subscribe()

	f.Publish(Record{ID: "1", Event: "tick"})

	for _, ch := range []chan Record{a, b} {
		select {
		case r := <-ch:
			assert.Equal(t, "tick", r.Event)
		case <-time.After(time.Second):
			t.Fatal("no record")
		}
	}
}

func TestFeedUnsubscribeCloses(t *testing.T) {
	f := NewFeed()
	ch := f.Subscribe()
	f.Unsubscribe(ch)
	f.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok)
	f.Publish(Record{ID: "1"})
}

func TestFeedDropsForSlowWatcher(t *testing.T) {
	f := NewFeed()
	ch := f.Subscribe()
	for i := 0; i < 100; i++ {
		f.Publish(Record{Args: i})
	}
	assert.Len(t, ch, cap(ch))
	first := <-ch
	assert.Equal(t, 0, first.Args)
}

func TestObserve(t *testing.T) {
	f := NewFeed()
	ch := f.Subscribe()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))

	f.Observe(eventbus.Dispatch{
		ID:         "abc",
		Event:      "error",
		Args:       2,
		Deliveries: 3,
		Err:        errors.New("boom"),
		Started:    start,
		Took:       1500 * time.Microsecond,
	})

	r := <-ch
	require.Equal(t, "abc", r.ID)
	assert.Equal(t, Record{
		ID:         "abc",
		Event:      "error",
		Args:       2,
		Deliveries: 3,
		Error:      "boom",
		At:         start.UTC(),
		TookMicros: 1500,
	}, r)
}
