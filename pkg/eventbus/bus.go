// Package eventbus dispatches named events to handler methods on every live
// tracked instance of the types that subscribed them.
//
// A handler is an exported method named with the bus prefix followed by the
// event name. Subscribing (*Logger).OnError registers it under "error";
// publishing "error" then calls OnError on each live *Logger the tracker
// knows about, in the order the loggers were constructed:
//
//	reg := tracker.New()
//	bus := eventbus.New(reg)
//	eventbus.MustSubscribe(bus, (*Logger).OnError)
//
//	l := tracker.Track(reg, &Logger{})
//	_ = bus.Publish("error", "boom")
//
// The bus never keeps an instance alive. There is no unsubscribe.
package eventbus

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/EchoPBX/subpub/pkg/resolve"
	"github.com/EchoPBX/subpub/pkg/tracker"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kwargs carries keyword arguments. A handler whose last parameter is Kwargs
// receives an empty map when the publisher leaves it out.
type Kwargs map[string]any

type Bus struct {
	log    *zap.Logger
	refs   *tracker.Registry
	prefix string
	hooks  []func(Dispatch)

	mu   sync.RWMutex
	subs map[string][]*handler
}

func New(refs *tracker.Registry, opts ...Option) *Bus {
	b := &Bus{
		log:    zap.NewNop(),
		refs:   refs,
		prefix: DefaultPrefix,
		subs:   make(map[string][]*handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Tracker() *tracker.Registry { return b.refs }

// Subscribe registers h and returns it unchanged. h is anything
// resolve.Resolve accepts; typically a method expression such as
// (*Logger).OnError.
func (b *Bus) Subscribe(h any) (any, error) {
	target, err := resolve.Resolve(h)
	if err != nil {
		return nil, &HandlerResolutionError{Err: err}
	}
	event, err := b.eventName(target.Method)
	if err != nil {
		return nil, err
	}
	hd, err := newHandler(event, target)
	if err != nil {
		return nil, &HandlerResolutionError{Err: err}
	}

	b.mu.Lock()
	b.subs[event] = append(b.subs[event], hd)
	b.mu.Unlock()

	b.log.Debug("handler subscribed",
		zap.String("event", event),
		zap.Stringer("handler", target))
	return h, nil
}

// Subscribe is the typed form of (*Bus).Subscribe.
func Subscribe[F any](b *Bus, h F) (F, error) {
	if _, err := b.Subscribe(h); err != nil {
		var zero F
		return zero, err
	}
	return h, nil
}

// MustSubscribe is like Subscribe but panics on error, for registration in
// package-level declarations.
func MustSubscribe[F any](b *Bus, h F) F {
	h, err := Subscribe(b, h)
	if err != nil {
		panic(err)
	}
	return h
}

// eventName checks the naming convention and derives the event name: the
// part after the prefix with its first letter lower-cased. The prefix must end
// at a word boundary, so Once and Online are not handlers.
func (b *Bus) eventName(method string) (string, error) {
	rest, ok := strings.CutPrefix(method, b.prefix)
	if !ok || rest == "" {
		return "", &NamingConventionError{Name: method, Prefix: b.prefix}
	}
	r, size := utf8.DecodeRuneInString(rest)
	if !unicode.IsUpper(r) {
		return "", &NamingConventionError{Name: method, Prefix: b.prefix}
	}
	return string(unicode.ToLower(r)) + rest[size:], nil
}

// Publish calls every handler subscribed to event on every live instance of
// its declaring type: handlers in subscription order, instances in
// construction order. It returns the first error a handler returns, which
// stops delivery. Panics in handlers are not recovered.
func (b *Bus) Publish(event string, args ...any) error {
	d := Dispatch{
		ID:      uuid.NewString(),
		Event:   event,
		Args:    len(args),
		Started: time.Now(),
	}
	d.Deliveries, d.Err = b.dispatch(event, args)
	d.Took = time.Since(d.Started)

	b.log.Debug("event published",
		zap.String("id", d.ID),
		zap.String("event", event),
		zap.Int("deliveries", d.Deliveries),
		zap.Duration("took", d.Took),
		zap.Error(d.Err))
	for _, fn := range b.hooks {
		fn(d)
	}
	return d.Err
}

func (b *Bus) dispatch(event string, args []any) (int, error) {
	b.mu.RLock()
	handlers, ok := b.subs[event]
	handlers = slices.Clone(handlers)
	b.mu.RUnlock()
	if !ok {
		return 0, &EventNotFoundError{Event: event}
	}

	delivered := 0
	for _, h := range handlers {
		call := h.caller(args)
		for inst := range b.refs.InstancesOf(h.target.Type) {
			if err := call(inst); err != nil {
				return delivered, err
			}
			delivered++
		}
	}
	return delivered, nil
}

// Events lists the subscribed event names in sorted order.
func (b *Bus) Events() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for ev := range b.subs {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}

// Subscriptions maps every event to its handlers in dispatch order.
func (b *Bus) Subscriptions() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]string, len(b.subs))
	for ev, hs := range b.subs {
		names := make([]string, len(hs))
		for i, h := range hs {
			names[i] = h.target.String()
		}
		out[ev] = names
	}
	return out
}
