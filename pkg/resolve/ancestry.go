package resolve

import (
	"reflect"
	"runtime"
)

// declaring walks t and the types it embeds, shallowest first, and returns
// a pointer to the first one that declares the exported method name itself.
// Methods promoted through embedding are compiler wrappers on the outer type
// and are skipped in favour of the embedded type that owns the code.
func declaring(t reflect.Type, name string) (reflect.Type, bool) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if _, ok := reflect.PointerTo(t).MethodByName(name); !ok {
		return nil, false
	}

	seen := map[reflect.Type]bool{}
	queue := []reflect.Type{t}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		if declares(cur, name) {
			return reflect.PointerTo(cur), true
		}
		if cur.Kind() != reflect.Struct {
			continue
		}
		for i := range cur.NumField() {
			f := cur.Field(i)
			if !f.Anonymous {
				continue
			}
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Interface {
				continue
			}
			queue = append(queue, ft)
		}
	}
	return nil, false
}

// declares reports whether name is declared directly on t or *t rather than
// promoted from an embedded field.
func declares(t reflect.Type, name string) bool {
	if _, ok := reflect.PointerTo(t).MethodByName(name); !ok {
		return false
	}
	if !embeds(t, name) {
		return true
	}
	// both t and an embedded field carry name: either t shadows it or the
	// method on t is the promotion wrapper
	for _, typ := range []reflect.Type{t, reflect.PointerTo(t)} {
		m, ok := typ.MethodByName(name)
		if ok && !generated(m.Func) {
			return true
		}
	}
	return false
}

func embeds(t reflect.Type, name string) bool {
	if t.Kind() != reflect.Struct {
		return false
	}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.Anonymous {
			continue
		}
		ft := f.Type
		if ft.Kind() != reflect.Pointer && ft.Kind() != reflect.Interface {
			ft = reflect.PointerTo(ft)
		}
		if _, ok := ft.MethodByName(name); ok {
			return true
		}
	}
	return false
}

// generated reports whether fn is a wrapper the compiler emitted, either for
// a promoted method or for a value method reached through a pointer.
func generated(fn reflect.Value) bool {
	f := runtime.FuncForPC(fn.Pointer())
	if f == nil {
		return true
	}
	file, _ := f.FileLine(f.Entry())
	return file == "<autogenerated>"
}
