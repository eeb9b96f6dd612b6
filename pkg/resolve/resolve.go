// Package resolve finds the type that declares a handler method, so the bus
// knows which set of tracked instances a handler belongs to.
package resolve

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// ErrUnresolvable is matched by every error returned from Resolve.
var ErrUnresolvable = errors.New("declaring type cannot be resolved")

type Error struct {
	Handler string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve %s: %s", e.Handler, e.Reason)
}

func (e *Error) Unwrap() error { return ErrUnresolvable }

// Target is a resolved handler: the method Method declared on Type, called
// with Args ahead of any published arguments. Type is always a pointer type,
// the key instances are tracked under.
type Target struct {
	Type   reflect.Type
	Method string
	Args   []any
}

func (t Target) String() string {
	return t.Type.String() + "." + t.Method
}

// Partial is a handler with leading arguments already applied.
type Partial struct {
	Func any
	Args []any
}

// Bind returns fn with args applied ahead of the published ones.
func Bind(fn any, args ...any) Partial {
	return Partial{Func: fn, Args: args}
}

// Method names a method bound to a receiver.
type Method struct {
	Recv any
	Name string
}

// Declarer is implemented by handler descriptors that already know where the
// handler was declared.
type Declarer interface {
	DeclaringType() reflect.Type
	HandlerName() string
}

// Resolve maps h to the type that declares it. h may be a Partial, a Method,
// a method expression such as (*Logger).OnError, or a Declarer.
func Resolve(h any) (Target, error) {
	switch v := h.(type) {
	case nil:
		return Target{}, &Error{Handler: "<nil>", Reason: "nil handler"}
	case Partial:
		inner, err := Resolve(v.Func)
		if err != nil {
			return Target{}, err
		}
		args := make([]any, 0, len(inner.Args)+len(v.Args))
		args = append(args, inner.Args...)
		inner.Args = append(args, v.Args...)
		return inner, nil
	case *Partial:
		if v == nil {
			return Target{}, &Error{Handler: "<nil>", Reason: "nil partial"}
		}
		return Resolve(*v)
	case Method:
		return fromReceiver(v)
	}

	if rv := reflect.ValueOf(h); rv.Kind() == reflect.Func {
		return fromFunc(rv)
	}
	if d, ok := h.(Declarer); ok {
		return fromDeclarer(d)
	}
	return Target{}, &Error{Handler: fmt.Sprintf("%T", h), Reason: "not a method reference"}
}

func fromReceiver(m Method) (Target, error) {
	if m.Recv == nil {
		return Target{}, &Error{Handler: m.Name, Reason: "nil receiver"}
	}
	owner, ok := declaring(reflect.TypeOf(m.Recv), m.Name)
	if !ok {
		return Target{}, &Error{
			Handler: fmt.Sprintf("%T.%s", m.Recv, m.Name),
			Reason:  "no exported method with that name",
		}
	}
	return Target{Type: owner, Method: m.Name}, nil
}

func fromFunc(fn reflect.Value) (Target, error) {
	if fn.IsNil() {
		return Target{}, &Error{Handler: fn.Type().String(), Reason: "nil func"}
	}
	f := runtime.FuncForPC(fn.Pointer())
	if f == nil {
		return Target{}, &Error{Handler: fn.Type().String(), Reason: "no symbol for func"}
	}
	sym := f.Name()
	if strings.HasSuffix(sym, "-fm") {
		return Target{}, &Error{
			Handler: sym,
			Reason:  "method value; pass a method expression or resolve.Method",
		}
	}
	scope, name, ok := splitSymbol(sym)
	if !ok {
		return Target{}, &Error{Handler: sym, Reason: "not declared on a type"}
	}
	ft := fn.Type()
	if ft.NumIn() == 0 {
		return Target{}, &Error{Handler: sym, Reason: "no receiver parameter"}
	}
	recv := ft.In(0)
	if baseName(recv) != scope {
		return Target{}, &Error{Handler: sym, Reason: "not declared on a type"}
	}
	owner, ok := declaring(recv, name)
	if !ok {
		return Target{}, &Error{Handler: sym, Reason: "no exported method with that name"}
	}
	return Target{Type: owner, Method: name}, nil
}

func fromDeclarer(d Declarer) (Target, error) {
	t, name := d.DeclaringType(), d.HandlerName()
	if t == nil || name == "" {
		return Target{}, &Error{Handler: fmt.Sprintf("%T", d), Reason: "incomplete declaration"}
	}
	if t.Kind() != reflect.Pointer {
		t = reflect.PointerTo(t)
	}
	if _, ok := t.MethodByName(name); !ok {
		return Target{}, &Error{Handler: t.String() + "." + name, Reason: "no exported method with that name"}
	}
	return Target{Type: t, Method: name}, nil
}

// splitSymbol splits a qualified method symbol such as
// "example.com/app/pkg.(*Logger).OnError" into its receiver type name and
// method name. Type arguments are dropped.
func splitSymbol(sym string) (scope, name string, ok bool) {
	sym = stripTypeArgs(sym)
	if i := strings.LastIndexByte(sym, '/'); i >= 0 {
		sym = sym[i+1:]
	}
	i := strings.LastIndexByte(sym, '.')
	if i < 0 {
		return "", "", false
	}
	head, name := sym[:i], sym[i+1:]
	if strings.HasSuffix(head, ")") {
		j := strings.LastIndex(head, "(*")
		if j < 0 {
			return "", "", false
		}
		return head[j+2 : len(head)-1], name, true
	}
	// value receiver: "pkg.Logger"; a package-level func leaves only "pkg"
	j := strings.IndexByte(head, '.')
	if j < 0 {
		return "", "", false
	}
	return head[strings.LastIndexByte(head, '.')+1:], name, true
}

func stripTypeArgs(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func baseName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return stripTypeArgs(t.Name())
}
