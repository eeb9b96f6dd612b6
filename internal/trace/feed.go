// Package trace fans dispatch records out to live watchers, such as the
// websocket trace endpoint.
package trace

import (
	"sync"
	"time"

	"github.com/EchoPBX/subpub/pkg/eventbus"
)

type Record struct {
	ID         string    `json:"id"`
	Event      string    `json:"event"`
	Args       int       `json:"args"`
	Deliveries int       `json:"deliveries"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
	TookMicros int64     `json:"took_us"`
}

func FromDispatch(d eventbus.Dispatch) Record {
	r := Record{
		ID:         d.ID,
		Event:      d.Event,
		Args:       d.Args,
		Deliveries: d.Deliveries,
		At:         d.Started.UTC(),
		TookMicros: d.Took.Microseconds(),
	}
	if d.Err != nil {
		r.Error = d.Err.Error()
	}
	return r
}

// Feed never blocks the publisher: a watcher whose buffer is full misses
// records.
type Feed struct {
	mu   sync.RWMutex
	subs map[chan Record]struct{}
}

func NewFeed() *Feed {
	return &Feed{
		subs: make(map[chan Record]struct{}),
	}
}

func (f *Feed) Subscribe() chan Record {
	ch := make(chan Record, 64)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) Unsubscribe(ch chan Record) {
	f.mu.Lock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
	f.mu.Unlock()
}

func (f *Feed) Publish(r Record) {
	f.mu.RLock()
	for ch := range f.subs {
		select {
		case ch <- r:
		default:
		}
	}
	f.mu.RUnlock()
}

// Observe is an eventbus hook.
func (f *Feed) Observe(d eventbus.Dispatch) {
	f.Publish(FromDispatch(d))
}
