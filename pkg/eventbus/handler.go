package eventbus

import (
	"fmt"
	"reflect"

	"github.com/EchoPBX/subpub/pkg/resolve"
)

var (
	errorType  = reflect.TypeFor[error]()
	kwargsType = reflect.TypeFor[Kwargs]()
)

// handler is a subscribed method with its call shape worked out once.
type handler struct {
	event    string
	target   resolve.Target
	index    int
	in       []reflect.Type
	variadic bool
	kwargs   bool
	errOut   int
}

func newHandler(event string, target resolve.Target) (*handler, error) {
	m, ok := target.Type.MethodByName(target.Method)
	if !ok {
		return nil, &resolve.Error{Handler: target.String(), Reason: "no exported method with that name"}
	}
	mt := m.Type
	h := &handler{
		event:    event,
		target:   target,
		index:    m.Index,
		variadic: mt.IsVariadic(),
		errOut:   -1,
	}
	// In(0) is the receiver.
	for i := 1; i < mt.NumIn(); i++ {
		h.in = append(h.in, mt.In(i))
	}
	if n := len(h.in); n > 0 && !h.variadic && h.in[n-1] == kwargsType {
		h.kwargs = true
	}
	if n := mt.NumOut(); n > 0 && mt.Out(n-1) == errorType {
		h.errOut = n - 1
	}
	return h, nil
}

// caller binds args for one publish and returns the function invoking the
// handler on a single instance. Binding waits for the first instance so an
// event with no live receivers never reports argument errors.
func (h *handler) caller(args []any) func(inst any) error {
	var (
		vals  []reflect.Value
		bound bool
	)
	return func(inst any) error {
		if !bound {
			var err error
			if vals, err = h.bind(args); err != nil {
				return err
			}
			bound = true
		}
		out := reflect.ValueOf(inst).Method(h.index).Call(vals)
		if h.errOut >= 0 {
			if err, _ := out[h.errOut].Interface().(error); err != nil {
				return &HandlerError{Event: h.event, Handler: h.target.String(), Err: err}
			}
		}
		return nil
	}
}

func (h *handler) bind(published []any) ([]reflect.Value, error) {
	args := make([]any, 0, len(h.target.Args)+len(published)+1)
	args = append(args, h.target.Args...)
	args = append(args, published...)

	n := len(h.in)
	if h.kwargs && len(args) == n-1 {
		args = append(args, Kwargs{})
	}
	switch {
	case h.variadic && len(args) < n-1:
		return nil, h.argErr("want at least %d arguments, got %d", n-1, len(args))
	case !h.variadic && len(args) != n:
		return nil, h.argErr("want %d arguments, got %d", n, len(args))
	}

	vals := make([]reflect.Value, len(args))
	for i, a := range args {
		pt := h.paramType(i)
		if a == nil {
			switch pt.Kind() {
			case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
				vals[i] = reflect.Zero(pt)
				continue
			}
			return nil, h.argErr("argument %d: nil for %s", i, pt)
		}
		v := reflect.ValueOf(a)
		if !v.Type().AssignableTo(pt) {
			return nil, h.argErr("argument %d: have %s, want %s", i, v.Type(), pt)
		}
		vals[i] = v
	}
	return vals, nil
}

func (h *handler) paramType(i int) reflect.Type {
	n := len(h.in)
	if h.variadic && i >= n-1 {
		return h.in[n-1].Elem()
	}
	return h.in[i]
}

func (h *handler) argErr(format string, a ...any) error {
	return &ArgumentError{
		Event:   h.event,
		Handler: h.target.String(),
		Reason:  fmt.Sprintf(format, a...),
	}
}
