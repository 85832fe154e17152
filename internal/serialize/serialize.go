// Package serialize renders arbitrary values as bounded, human-diffable
// text for trace records.
//
// The renderer is deterministic (map keys are sorted), breaks cycles with
// a marker instead of recursing forever, and substitutes placeholders for
// values that have no useful textual form (functions, channels, unsafe
// pointers). It never panics and never returns an error: a value that
// cannot be rendered becomes a placeholder, not a fault.
package serialize

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// TruncationMarker is appended to a field cut down by size governance.
const TruncationMarker = "...(truncated)"

// Placeholders for values with no meaningful textual form.
const (
	placeholderFunc   = "<func>"
	placeholderChan   = "<chan>"
	placeholderUnsafe = "<unsafe>"
	placeholderCycle  = "<cycle>"
	placeholderDeep   = "<deep>"
	placeholderOpaque = "<unserializable>"
)

// maxDepth bounds recursion independently of size governance.
const maxDepth = 8

// Value renders a single value. Top-level strings render bare: the
// destination field is already a string, and quoting there would only
// distort lengths and diffs.
func Value(v any) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return render(reflect.ValueOf(v), make(map[uintptr]struct{}), 0)
}

// ArgList renders an argument vector as a bracketed list, e.g. [6,7].
func ArgList(args []any) string {
	if len(args) == 0 {
		return "[]"
	}
	parts := make([]string, len(args))
	for i, a := range args {
		if a == nil {
			parts[i] = "null"
			continue
		}
		parts[i] = render(reflect.ValueOf(a), make(map[uintptr]struct{}), 0)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Error renders an error or recovered panic value for the exception field.
// The rendered form describes the error; the caller re-raises the original
// value itself, untouched.
func Error(v any) string {
	switch e := v.(type) {
	case nil:
		return "null"
	case error:
		return e.Error()
	default:
		return fmt.Sprintf("panic: %v", e)
	}
}

// Bound applies the size threshold to an already-rendered field. It returns
// the governed text, the original length, and whether truncation happened.
// The cut backs off to the previous rune boundary so the kept prefix stays
// valid UTF-8 and byte-matches the original. A threshold of zero or less
// disables governance entirely.
func Bound(s string, threshold int) (string, int, bool) {
	if threshold <= 0 || len(s) <= threshold {
		return s, len(s), false
	}
	cut := threshold
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker, len(s), true
}

func render(rv reflect.Value, seen map[uintptr]struct{}, depth int) string {
	if !rv.IsValid() {
		return "null"
	}
	if depth > maxDepth {
		return placeholderDeep
	}

	switch rv.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	case reflect.Complex64, reflect.Complex128:
		return strconv.FormatComplex(rv.Complex(), 'g', -1, 128)
	case reflect.String:
		return strconv.Quote(rv.String())
	case reflect.Func:
		return placeholderFunc
	case reflect.Chan:
		return placeholderChan
	case reflect.UnsafePointer:
		return placeholderUnsafe

	case reflect.Interface:
		if rv.IsNil() {
			return "null"
		}
		return render(rv.Elem(), seen, depth)

	case reflect.Pointer:
		if rv.IsNil() {
			return "null"
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return placeholderCycle
		}
		seen[ptr] = struct{}{}
		out := render(rv.Elem(), seen, depth)
		delete(seen, ptr)
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return "null"
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return placeholderCycle
		}
		seen[ptr] = struct{}{}
		out := renderList(rv, seen, depth)
		delete(seen, ptr)
		return out

	case reflect.Array:
		return renderList(rv, seen, depth)

	case reflect.Map:
		if rv.IsNil() {
			return "null"
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return placeholderCycle
		}
		seen[ptr] = struct{}{}
		out := renderMap(rv, seen, depth)
		delete(seen, ptr)
		return out

	case reflect.Struct:
		return renderStruct(rv, seen, depth)

	default:
		return placeholderOpaque
	}
}

func renderList(rv reflect.Value, seen map[uintptr]struct{}, depth int) string {
	var b strings.Builder
	b.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(render(rv.Index(i), seen, depth+1))
	}
	b.WriteByte(']')
	return b.String()
}

func renderMap(rv reflect.Value, seen map[uintptr]struct{}, depth int) string {
	type entry struct{ key, val string }
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		entries = append(entries, entry{
			key: render(iter.Key(), seen, depth+1),
			val: render(iter.Value(), seen, depth+1),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	var b strings.Builder
	b.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(e.key)
		b.WriteByte(':')
		b.WriteString(e.val)
	}
	b.WriteByte('}')
	return b.String()
}

func renderStruct(rv reflect.Value, seen map[uintptr]struct{}, depth int) string {
	t := rv.Type()

	exported := 0
	var b strings.Builder
	b.WriteByte('{')
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if exported > 0 {
			b.WriteByte(',')
		}
		exported++
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(render(rv.Field(i), seen, depth+1))
	}
	b.WriteByte('}')

	// Opaque structs (all fields unexported) fall back to their own
	// Stringer when they have one, e.g. time.Time.
	if exported == 0 {
		if s, ok := stringerOf(rv); ok {
			return strconv.Quote(s)
		}
	}
	return b.String()
}

func stringerOf(rv reflect.Value) (out string, ok bool) {
	defer func() {
		if recover() != nil {
			out, ok = "", false
		}
	}()
	if !rv.CanInterface() {
		return "", false
	}
	if s, isStringer := rv.Interface().(fmt.Stringer); isStringer {
		return s.String(), true
	}
	return "", false
}
