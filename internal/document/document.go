// Package document models the structured metadata documents the engine
// protects: trees of keyed maps and ordered lists with string, number,
// boolean or null leaves.
//
// Decoded documents are normalised so that documents read from JSON and YAML
// compare structurally: numbers are json.Number literals carrying the exact
// digits read from disk, maps are map[string]any and lists are []any.
package document

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Document is the root of a metadata tree. The root is always a keyed map.
type Document map[string]any

// Kind classifies a node for structural comparison.
type Kind int

const (
	KindNull Kind = iota
	KindScalar
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// KindOf reports the kind of a normalised value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case map[string]any, Document:
		return KindMap
	case []any:
		return KindList
	default:
		return KindScalar
	}
}

// AsMap returns v as a plain map when it is one.
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

var equalOpts = cmp.Options{cmpopts.EquateEmpty(), numberComparer}

// Equal reports deep structural equality. Empty and nil containers are
// equal, and numbers compare by value.
func Equal(a, b any) bool {
	if da, ok := a.(Document); ok {
		a = map[string]any(da)
	}
	if db, ok := b.(Document); ok {
		b = map[string]any(db)
	}
	return cmp.Equal(a, b, equalOpts)
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneMap(d))
}

// CloneValue deep-copies a normalised value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Document:
		return Document(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// Lookup resolves a dot-delimited path. The empty path is the document itself.
func (d Document) Lookup(path string) (any, bool) {
	if path == "" {
		return map[string]any(d), true
	}
	var cur any = map[string]any(d)
	for _, key := range strings.Split(path, ".") {
		m, ok := AsMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// StringAt returns the value at path when it is a string.
func (d Document) StringAt(path string) (string, bool) {
	v, ok := d.Lookup(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize converts arbitrary decoded or hand-built Go values into the
// canonical representation used throughout the engine.
func Normalize(v any) (any, error) {
	if n, ok, err := numberOf(v); ok {
		return n, err
	}
	switch t := v.(type) {
	case nil, string, bool:
		return t, nil
	case Document:
		return Normalize(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			key := fmt.Sprint(k)
			n, err := Normalize(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Normalize(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Normalize(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return Normalize(rv.Float())
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			n, err := Normalize(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// FromValue normalises v and requires a map root.
func FromValue(v any) (Document, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	m, ok := n.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document root must be an object, got %s", KindOf(n))
	}
	return Document(m), nil
}

// MustFromValue is FromValue for literals in tests and defaults.
func MustFromValue(v any) Document {
	d, err := FromValue(v)
	if err != nil {
		panic(err)
	}
	return d
}
