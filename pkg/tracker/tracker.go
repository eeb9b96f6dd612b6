// Package tracker keeps non-owning references to constructed instances so a
// dispatcher can find every live instance of a type without keeping any of
// them alive.
//
// A type opts in by calling Track from its constructor:
//
//	func NewLogger(reg *tracker.Registry) *Logger {
//		return tracker.Track(reg, &Logger{})
//	}
//
// Instances are keyed by their exact pointer type; an instance of a type that
// embeds Logger is not an instance of Logger.
//
// Only types whose instances the runtime can reclaim one by one can be
// tracked. Zero-size types share a single address, and pointer-free types
// smaller than 16 bytes are packed together by the tiny allocator, so a dead
// instance would stay visible while any neighbour lives. Track panics for
// both; give such a type a pointer field or pad it to 16 bytes.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"
	"weak"
)

// tinySize is the runtime's tiny allocator block size. Pointer-free objects
// below it may share a block.
const tinySize = 16

// ErrUntrackable is the panic value's sentinel when Track is given a type
// whose instances cannot be observed dying.
var ErrUntrackable = errors.New("type cannot be tracked")

type untrackableError struct {
	t      reflect.Type
	reason string
}

func (e *untrackableError) Error() string {
	return fmt.Sprintf("tracker: %s cannot be tracked: %s", e.t, e.reason)
}

func (e *untrackableError) Unwrap() error { return ErrUntrackable }

func trackable(t reflect.Type) error {
	switch {
	case t.Size() == 0:
		return &untrackableError{t: t, reason: "zero size"}
	case t.Size() < tinySize && !hasPointers(t):
		return &untrackableError{t: t, reason: fmt.Sprintf("%d bytes with no pointers", t.Size())}
	}
	return nil
}

func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Chan,
		reflect.Func, reflect.Interface, reflect.Slice, reflect.String:
		return true
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
	}
	return false
}

type slot interface {
	value() (any, bool)
}

type weakSlot[T any] struct {
	p weak.Pointer[T]
}

func (s weakSlot[T]) value() (any, bool) {
	v := s.p.Value()
	if v == nil {
		return nil, false
	}
	return v, true
}

// Registry maps a type to the weak slots of its instances, in construction
// order. The zero value is not usable; call New.
type Registry struct {
	mu   sync.Mutex
	refs map[reflect.Type][]slot
}

func New() *Registry {
	return &Registry{
		refs: make(map[reflect.Type][]slot),
	}
}

// Track records inst under its exact type and returns it unchanged. It panics
// if T is zero-size, or smaller than 16 bytes and free of pointers.
func Track[T any](r *Registry, inst *T) *T {
	if inst == nil {
		return nil
	}
	if err := trackable(reflect.TypeFor[T]()); err != nil {
		panic(err)
	}
	key := reflect.TypeFor[*T]()
	s := weakSlot[T]{p: weak.Make(inst)}
	r.mu.Lock()
	r.refs[key] = append(r.refs[key], s)
	r.mu.Unlock()
	return inst
}

// InstancesOf yields the live instances of exactly t. Every range over the
// returned sequence starts from a fresh snapshot.
func (r *Registry) InstancesOf(t reflect.Type) iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, s := range r.snapshot(t) {
			v, ok := s.value()
			if !ok {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Instances is the typed form of InstancesOf.
func Instances[T any](r *Registry) iter.Seq[*T] {
	return func(yield func(*T) bool) {
		for v := range r.InstancesOf(reflect.TypeFor[*T]()) {
			if !yield(v.(*T)) {
				return
			}
		}
	}
}

func (r *Registry) snapshot(t reflect.Type) []slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.refs[t])
}

// Compact drops slots whose instance has been collected and reports how many
// were dropped. The relative order of live instances is kept.
func (r *Registry) Compact() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for t, slots := range r.refs {
		live := slots[:0]
		for _, s := range slots {
			if _, ok := s.value(); ok {
				live = append(live, s)
			}
		}
		removed += len(slots) - len(live)
		clear(slots[len(live):])
		r.refs[t] = live
	}
	return removed
}

// CompactEvery runs Compact on every tick until ctx is done. fn, when not
// nil, receives the number of slots removed by each pass.
func (r *Registry) CompactEvery(ctx context.Context, interval time.Duration, fn func(removed int)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := r.Compact()
			if fn != nil {
				fn(n)
			}
		}
	}
}

type Stat struct {
	Type  string `json:"type"`
	Live  int    `json:"live"`
	Total int    `json:"total"`
}

// Stats reports live and stored slot counts per tracked type.
func (r *Registry) Stats() []Stat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stat, 0, len(r.refs))
	for t, slots := range r.refs {
		st := Stat{Type: t.String(), Total: len(slots)}
		for _, s := range slots {
			if _, ok := s.value(); ok {
				st.Live++
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
