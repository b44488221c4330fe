// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package callback

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// Kind identifies how a Ref holds its handler.
type Kind int

const (
	// KindDirect holds a value directly.
	KindDirect Kind = iota
	// KindBound holds a receiver and a method name.
	KindBound
	// KindNamed holds a name resolved through the namespace at dispatch.
	KindNamed
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindBound:
		return "bound"
	case KindNamed:
		return "named"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Ref is a reference to a user handler.
//
// A Bound ref keeps a strong reference to its receiver until the entry is
// uninstalled, so the method stays callable after the installer drops its
// own reference. Callers release the receiver by uninstalling.
type Ref struct {
	kind   Kind
	value  any
	recv   any
	method string
	name   string
}

// Direct wraps a handler value. Callable values are Handler
// implementations and funcs; anything else installs but is skipped with a
// warning at dispatch.
func Direct(v any) Ref {
	return Ref{kind: KindDirect, value: v}
}

// Bound references method on recv. The method is looked up by name at
// every dispatch. A nil receiver, or one implementing Liveness that
// reports dead, is pruned at dispatch.
func Bound(recv any, method string) Ref {
	return Ref{kind: KindBound, recv: recv, method: method}
}

// Named references a handler that is looked up by name at dispatch and
// replaced by its Direct resolution once found.
func Named(name string) Ref {
	return Ref{kind: KindNamed, name: name}
}

// check rejects refs that cannot be matched reliably.
func (r Ref) check() error {
	if r.kind == KindDirect && isMethodValue(r.value) {
		return fmt.Errorf("%w: %s", ErrMethodValue, r.DisplayName())
	}
	return nil
}

// DisplayName is the name used for timers and name-based matching.
func (r Ref) DisplayName() string {
	switch r.kind {
	case KindBound:
		return r.method
	case KindNamed:
		return r.name
	default:
		return displayName(r.value)
	}
}

func (r Ref) String() string {
	return r.kind.String() + ":" + r.DisplayName()
}

// Handler is a named callable.
type Handler interface {
	Name() string
	Call(args ...any) error
}

// Liveness is implemented by Bound receivers that can go stale.
type Liveness interface {
	Alive() bool
}

// Func adapts a function to Handler.
type Func struct {
	name string
	fn   func(args ...any) error
}

var _ Handler = (*Func)(nil)

// NewFunc creates a Handler called name.
func NewFunc(name string, fn func(args ...any) error) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Call(args ...any) error { return f.fn(args...) }

type caller func(args ...any) error

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// callable returns a caller for v, or false if v cannot be invoked.
func callable(v any) (caller, bool) {
	switch f := v.(type) {
	case nil:
		return nil, false
	case Handler:
		return f.Call, true
	case func(...any) error:
		return f, true
	case func(...any):
		return func(args ...any) error { f(args...); return nil }, true
	case func() error:
		return func(...any) error { return f() }, true
	case func():
		return func(...any) error { f(); return nil }, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, false
	}
	return reflectCaller(rv)
}

// reflectCaller adapts a func of any non-variadic signature whose only
// result, if any, is an error. Arguments are checked per call.
func reflectCaller(fv reflect.Value) (caller, bool) {
	ft := fv.Type()
	if ft.IsVariadic() || ft.NumOut() > 1 {
		return nil, false
	}
	if ft.NumOut() == 1 && !ft.Out(0).Implements(errorType) {
		return nil, false
	}
	return func(args ...any) error {
		if len(args) != ft.NumIn() {
			return fmt.Errorf("%w: want %d arguments, got %d", ErrArguments, ft.NumIn(), len(args))
		}
		in := make([]reflect.Value, len(args))
		for i, a := range args {
			pt := ft.In(i)
			if a == nil {
				in[i] = reflect.Zero(pt)
				continue
			}
			av := reflect.ValueOf(a)
			if !av.Type().AssignableTo(pt) {
				return fmt.Errorf("%w: argument %d is %s, want %s", ErrArguments, i, av.Type(), pt)
			}
			in[i] = av
		}
		out := fv.Call(in)
		if len(out) == 1 && !out[0].IsNil() {
			return out[0].Interface().(error)
		}
		return nil
	}, true
}

// displayName mirrors a function's own short name: package path and
// method-value suffix are dropped.
func displayName(v any) string {
	switch h := v.(type) {
	case nil:
		return "<nil>"
	case Handler:
		return h.Name()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Func && !rv.IsNil() {
		if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
			name := strings.TrimSuffix(fn.Name(), "-fm")
			if i := strings.LastIndex(name, "."); i >= 0 {
				name = name[i+1:]
			}
			return name
		}
	}
	return fmt.Sprintf("%T", v)
}

// isMethodValue reports whether v is a method value such as recv.Plot.
// The compiler emits one "-fm" wrapper per method, shared by every
// receiver.
func isMethodValue(v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return false
	}
	if _, ok := v.(Handler); ok {
		return false
	}
	fn := runtime.FuncForPC(rv.Pointer())
	return fn != nil && strings.HasSuffix(fn.Name(), "-fm")
}

// sameValue reports identity for funcs (by code pointer) and equality for
// comparable values. Funcs built from the same literal share a code
// pointer and match.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Type() != bv.Type() {
		return false
	}
	if av.Kind() == reflect.Func {
		return av.Pointer() == bv.Pointer()
	}
	if !av.Type().Comparable() {
		return false
	}
	return a == b
}

func alive(recv any) bool {
	if recv == nil {
		return false
	}
	rv := reflect.ValueOf(recv)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return false
		}
	}
	if l, ok := recv.(Liveness); ok {
		return l.Alive()
	}
	return true
}

// method resolves a Bound ref to its method value.
func method(recv any, name string) (caller, bool) {
	m := reflect.ValueOf(recv).MethodByName(name)
	if !m.IsValid() {
		return nil, false
	}
	return callable(m.Interface())
}
