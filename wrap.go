package flowtrace

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/flowtrace/flowtrace-go/internal/event"
	"github.com/flowtrace/flowtrace-go/internal/serialize"
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// Wrap returns an instrumented equivalent of fn: each invocation emits an
// ENTER record before the original runs and exactly one terminal record
// (EXIT or EXCEPTION) once it completes, synchronously or asynchronously.
// The member name is derived from the function's runtime name.
//
// The input is returned unchanged when it is not a function, when the
// tracer is disabled, when the subject is rejected by the filter, or when
// the input is already an instrumented form. The returned value has the
// same function type as the input, so composition and introspection see
// the original signature.
func (t *Tracer) Wrap(fn any, subjectID string) any {
	return t.WrapNamed(fn, subjectID, memberName(fn))
}

// WrapNamed is Wrap with an explicit member name, for callables whose
// runtime name is unhelpful (closures, generated code).
func (t *Tracer) WrapNamed(fn any, subjectID, member string) any {
	if !t.Enabled() || fn == nil {
		return fn
	}
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return fn
	}
	if t.wrappers.isWrapper(rv) {
		return fn
	}
	if !t.rules.Allows(subjectID) {
		return fn
	}
	key := registryKey(subjectID, member)
	return t.wrappers.intern(key, rv, func(orig reflect.Value) reflect.Value {
		return t.makeWrapper(orig, subjectID, member)
	}).Interface()
}

// WrapConstructor instruments a constructor function and, on every call,
// the constructed value's own members: each exported function-typed field
// of a returned struct pointer is wrapped in place, so later-obtained
// instance members are individually traced. Unexported fields and embedded
// structs are left alone. The constructor's own ENTER/EXIT record the
// constructor as subject.
func (t *Tracer) WrapConstructor(ctor any, subjectID string) any {
	if !t.Enabled() || ctor == nil {
		return ctor
	}
	rv := reflect.ValueOf(ctor)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return ctor
	}
	if t.wrappers.isWrapper(rv) {
		return ctor
	}
	if !t.rules.Allows(subjectID) {
		return ctor
	}

	member := memberName(ctor)
	inner := t.wrappers.intern(registryKey(subjectID, member), rv, func(orig reflect.Value) reflect.Value {
		return t.makeWrapper(orig, subjectID, member)
	})

	key := registryKey(subjectID, member) + "#ctor"
	return t.wrappers.intern(key, rv, func(reflect.Value) reflect.Value {
		return reflect.MakeFunc(rv.Type(), func(in []reflect.Value) []reflect.Value {
			out := callThrough(inner, rv.Type(), in)
			for _, v := range out {
				t.instrumentValue(v, subjectID)
			}
			return out
		})
	}).Interface()
}

// InstrumentFields wraps every exported function-typed field of *struct
// instance in place. It is the per-instance half of the constructor
// variant and may also be called directly on manually built values.
func (t *Tracer) InstrumentFields(instance any, subjectID string) {
	if !t.Enabled() || instance == nil {
		return
	}
	t.instrumentValue(reflect.ValueOf(instance), subjectID)
}

func (t *Tracer) instrumentValue(rv reflect.Value, subjectID string) {
	if rv.Kind() == reflect.Interface && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}

	instanceID := rv.Pointer()
	typ := elem.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() || field.Anonymous {
			continue
		}
		fv := elem.Field(i)
		if fv.Kind() != reflect.Func || fv.IsNil() || !fv.CanSet() {
			continue
		}
		if t.wrappers.isWrapper(fv) {
			continue
		}
		// Members of distinct instances are distinct callables; the
		// instance address keeps their registry entries apart.
		key := registryKey(subjectID, field.Name) + fmt.Sprintf("#%x", instanceID)
		// Snapshot the funcval: fv aliases the field slot that Set below
		// overwrites, and the wrapper must keep calling the original.
		orig := reflect.ValueOf(fv.Interface())
		wrapped := t.wrappers.intern(key, orig, func(orig reflect.Value) reflect.Value {
			return t.makeWrapper(orig, subjectID, field.Name)
		})
		fv.Set(wrapped)
	}
}

// makeWrapper builds the instrumented form. The original callable runs in
// the caller's own control flow with the exact argument list; the wrapper
// adds no concurrency of its own.
func (t *Tracer) makeWrapper(orig reflect.Value, subject, member string) reflect.Value {
	typ := orig.Type()
	return reflect.MakeFunc(typ, func(in []reflect.Value) []reflect.Value {
		ctx := contextOf(typ, in)
		tag := string(t.clock.Tag(ctx))
		start := t.clock.Now()

		t.emit(event.NewEnter(tag, subject, member, serialize.ArgList(callArgs(typ, in)), start))

		// A panic is recorded, then re-raised with the identical value:
		// strictly observational, never altering error identity.
		defer func() {
			if r := recover(); r != nil {
				t.emit(event.NewException(tag, subject, member,
					serialize.Error(r), start, t.clock.Now()))
				panic(r)
			}
		}()

		out := callThrough(orig, typ, in)

		if aw := awaitableOf(out); aw != nil {
			// Asynchronous completion: attach continuations and hand the
			// untouched handle straight back. Duration is measured from
			// the ENTER capture, not from settlement-side bookkeeping.
			aw.OnSettled(
				func(result any) {
					t.emit(event.NewExit(tag, subject, member,
						serialize.Value(result), start, t.clock.Now()))
				},
				func(err error) {
					t.emit(event.NewException(tag, subject, member,
						serialize.Error(err), start, t.clock.Now()))
				},
			)
			return out
		}

		if err := trailingError(typ, out); err != nil {
			t.emit(event.NewException(tag, subject, member,
				serialize.Error(err), start, t.clock.Now()))
			return out
		}

		t.emit(event.NewExit(tag, subject, member,
			renderResults(typ, out), start, t.clock.Now()))
		return out
	})
}

func callThrough(fn reflect.Value, typ reflect.Type, in []reflect.Value) []reflect.Value {
	if typ.IsVariadic() {
		return fn.CallSlice(in)
	}
	return fn.Call(in)
}

// contextOf extracts a leading context.Context parameter, the carrier of
// the execution tag.
func contextOf(typ reflect.Type, in []reflect.Value) context.Context {
	if len(in) > 0 && typ.NumIn() > 0 && typ.In(0).Implements(ctxType) {
		if ctx, ok := in[0].Interface().(context.Context); ok && ctx != nil {
			return ctx
		}
	}
	return context.Background()
}

// callArgs collects the caller-visible argument list: the leading context
// is plumbing rather than data, and a variadic tail is flattened to match
// the call site.
func callArgs(typ reflect.Type, in []reflect.Value) []any {
	first := 0
	if len(in) > 0 && typ.NumIn() > 0 && typ.In(0).Implements(ctxType) {
		first = 1
	}
	args := make([]any, 0, len(in))
	for i := first; i < len(in); i++ {
		if typ.IsVariadic() && i == len(in)-1 {
			tail := in[i]
			for j := 0; j < tail.Len(); j++ {
				args = append(args, tail.Index(j).Interface())
			}
			continue
		}
		args = append(args, in[i].Interface())
	}
	return args
}

// awaitableOf finds a returned asynchronous handle, if any.
func awaitableOf(out []reflect.Value) Awaitable {
	for _, v := range out {
		if !v.IsValid() || !v.CanInterface() {
			continue
		}
		switch v.Kind() {
		case reflect.Pointer, reflect.Interface:
			if v.IsNil() {
				continue
			}
		}
		if aw, ok := v.Interface().(Awaitable); ok {
			return aw
		}
	}
	return nil
}

// trailingError returns the non-nil error in the conventional last return
// position, Go's synchronous failure outcome.
func trailingError(typ reflect.Type, out []reflect.Value) error {
	n := typ.NumOut()
	if n == 0 || !typ.Out(n-1).Implements(errType) {
		return nil
	}
	last := out[n-1]
	if last.IsNil() {
		return nil
	}
	err, _ := last.Interface().(error)
	return err
}

// renderResults serializes the success outcome. A nil trailing error is
// omitted; a lone value renders bare, several render as a list.
func renderResults(typ reflect.Type, out []reflect.Value) string {
	n := typ.NumOut()
	if n == 0 {
		return ""
	}
	if typ.Out(n-1).Implements(errType) {
		n--
	}
	switch n {
	case 0:
		return ""
	case 1:
		return serialize.Value(out[0].Interface())
	default:
		vals := make([]any, n)
		for i := 0; i < n; i++ {
			vals[i] = out[i].Interface()
		}
		return serialize.ArgList(vals)
	}
}

// memberName derives the observable member name from the runtime function
// name: package path and receiver prefixes are dropped, method-value
// suffixes trimmed.
func memberName(fn any) string {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return ""
	}
	rf := runtime.FuncForPC(rv.Pointer())
	if rf == nil {
		return "func"
	}
	name := rf.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "func"
	}
	return name
}

func registryKey(subject, member string) string {
	return subject + "\x00" + member
}

// funcIdentity returns the address of a function value's underlying
// closure object. Method values on distinct receivers, and distinct
// closures, share generated code but always carry distinct closure
// objects, so this is the identity a code pointer cannot provide.
func funcIdentity(rv reflect.Value) uintptr {
	fn := rv.Interface()
	return uintptr((*ifaceWords)(unsafe.Pointer(&fn)).data)
}

// ifaceWords mirrors the runtime's interface layout. Func values are
// pointer-shaped, so the data word is the closure-object address itself.
type ifaceWords struct {
	typ  unsafe.Pointer
	data unsafe.Pointer
}

// wrapperRegistry tracks instrumented forms without mutating the callables
// themselves: entries are keyed by stable identity (subject and member,
// plus instance address for per-instance members) under a generation
// counter, and every produced wrapper is remembered so re-wrapping is
// idempotent. Callable identity is the closure-object address, never the
// code pointer: method values on different receivers share code.
type wrapperRegistry struct {
	mu      sync.Mutex
	gen     uint64
	entries map[string]*wrapEntry
	// produced keeps every wrapper alive so closure addresses stay valid
	// for identity checks even after an entry is replaced.
	produced map[uintptr]reflect.Value
}

type wrapEntry struct {
	typ     reflect.Type
	orig    reflect.Value // pins the original's closure object
	origID  uintptr
	wrapped reflect.Value
	wrapID  uintptr
}

func newWrapperRegistry() *wrapperRegistry {
	return &wrapperRegistry{
		entries:  make(map[string]*wrapEntry),
		produced: make(map[uintptr]reflect.Value),
	}
}

// isWrapper reports whether rv is a wrapper this registry produced.
func (r *wrapperRegistry) isWrapper(rv reflect.Value) bool {
	id := funcIdentity(rv)
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.produced[id]
	return ok && w.Type() == rv.Type()
}

// intern returns the instrumented form for key, building it at most once
// per (key, callable). Passing a different callable under an existing key
// replaces the entry.
func (r *wrapperRegistry) intern(key string, orig reflect.Value, build func(reflect.Value) reflect.Value) reflect.Value {
	id := funcIdentity(orig)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && e.typ == orig.Type() {
		if id == e.origID || id == e.wrapID {
			return e.wrapped
		}
	}

	wrapped := build(orig)
	e := &wrapEntry{
		typ:     orig.Type(),
		orig:    orig,
		origID:  id,
		wrapped: wrapped,
		wrapID:  funcIdentity(wrapped),
	}
	r.entries[key] = e
	r.produced[e.wrapID] = wrapped
	return wrapped
}

// Reset drops all entries and bumps the generation. Previously returned
// wrappers keep working but are no longer recognized.
func (r *wrapperRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.entries = make(map[string]*wrapEntry)
	r.produced = make(map[uintptr]reflect.Value)
}

// Generation returns the current registry generation.
func (r *wrapperRegistry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}
