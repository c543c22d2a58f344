// File: internal/confdoc/value.go
package confdoc

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind identifies the variant held by a Value.
type Kind int

// Kinds of Value. KindNull is the zero value.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a node of a participant configuration document. The zero value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null, Bool, Number and String build scalar nodes.
func Null() Value            { return Value{} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value  { return Value{kind: KindString, s: s} }
func List(items ...Value) Value {
	out := make([]Value, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return Value{kind: KindList, list: out}
}

// Map builds a mapping node. The entries are deep copied.
func Map(entries map[string]Value) Value {
	out := make(map[string]Value, len(entries))
	for k, v := range entries {
		out[k] = v.Clone()
	}
	return Value{kind: KindMap, m: out}
}

// Strings builds a list of strings. Empty strings become null entries, which is
// how unassigned channel slots are written in participant documents.
func Strings(items ...string) Value {
	out := make([]Value, len(items))
	for i, s := range items {
		if s == "" {
			out[i] = Null()
			continue
		}
		out[i] = String(s)
	}
	return Value{kind: KindList, list: out}
}

// Kind reports the variant v holds. IsNull is shorthand for Kind() == KindNull.
func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Len returns the number of entries of a list or map, and zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	}
	return 0
}

// Keys returns the keys of a map in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the direct child stored under key.
func (v Value) Lookup(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	child, ok := v.m[key]
	return child, ok
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.list))
		for i, it := range v.list {
			out[i] = it.Clone()
		}
		return Value{kind: KindList, list: out}
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, it := range v.m {
			out[k] = it.Clone()
		}
		return Value{kind: KindMap, m: out}
	}
	return v
}

// Equal reports deep equality. NaN numbers compare equal to each other.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n || (math.IsNaN(v.n) && math.IsNaN(o.n))
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, it := range v.m {
			other, ok := o.m[k]
			if !ok || !it.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// AsBool returns a boolean. Like the other As accessors it fails with a
// *TypeError when v holds another kind.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, &TypeError{Want: KindBool, Got: v.kind}
	}
	return v.b, nil
}

// AsFloat returns a number. Integers are not distinguished from floats.
func (v Value) AsFloat() (float64, error) {
	if v.kind != KindNumber {
		return 0, &TypeError{Want: KindNumber, Got: v.kind}
	}
	return v.n, nil
}

// AsString returns a string. Null is not coerced to "".
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", &TypeError{Want: KindString, Got: v.kind}
	}
	return v.s, nil
}

// AsList returns a deep copy of the items.
func (v Value) AsList() ([]Value, error) {
	if v.kind != KindList {
		return nil, &TypeError{Want: KindList, Got: v.kind}
	}
	return v.Clone().list, nil
}

// AsMap returns a deep copy of the entries.
func (v Value) AsMap() (map[string]Value, error) {
	if v.kind != KindMap {
		return nil, &TypeError{Want: KindMap, Got: v.kind}
	}
	return v.Clone().m, nil
}

// AsStrings reads a list of strings. Null entries are returned as "".
func (v Value) AsStrings() ([]string, error) {
	if v.kind != KindList {
		return nil, &TypeError{Want: KindList, Got: v.kind}
	}
	out := make([]string, len(v.list))
	for i, it := range v.list {
		switch it.kind {
		case KindNull:
		case KindString:
			out[i] = it.s
		default:
			return nil, &TypeError{Path: []string{fmt.Sprint(i)}, Want: KindString, Got: it.kind}
		}
	}
	return out, nil
}

// AsStringLists reads a list of string lists, such as the ordered channel
// assignments of a data kind.
func (v Value) AsStringLists() ([][]string, error) {
	if v.kind != KindList {
		return nil, &TypeError{Want: KindList, Got: v.kind}
	}
	out := make([][]string, len(v.list))
	for i, it := range v.list {
		row, err := it.AsStrings()
		if err != nil {
			var te *TypeError
			if asTypeError(err, &te) {
				te.Path = append([]string{fmt.Sprint(i)}, te.Path...)
			}
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

// Interface converts the value to plain Go values: nil, bool, float64, string,
// []any and map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, it := range v.list {
			out[i] = it.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, it := range v.m {
			out[k] = it.Interface()
		}
		return out
	}
	return nil
}

// FromGo converts decoded JSON or literal Go values into a Value.
func FromGo(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t.Clone(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []string:
		return Strings(t...), nil
	case [][]string:
		out := make([]Value, len(t))
		for i, row := range t {
			out[i] = Strings(row...)
		}
		return Value{kind: KindList, list: out}, nil
	case []Value:
		return List(t...), nil
	case []any:
		out := make([]Value, len(t))
		for i, it := range t {
			cv, err := FromGo(it)
			if err != nil {
				return Value{}, err
			}
			out[i] = cv
		}
		return Value{kind: KindList, list: out}, nil
	case map[string]Value:
		return Map(t), nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, it := range t {
			cv, err := FromGo(it)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = cv
		}
		return Value{kind: KindMap, m: out}, nil
	}
	return Value{}, fmt.Errorf("unsupported document value of type %T", in)
}

// MarshalJSON encodes the value with sorted map keys.
func (v Value) MarshalJSON() ([]byte, error) {
	return jsonAPI.Marshal(v.Interface())
}

// UnmarshalJSON decodes any JSON value, not only objects.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := jsonAPI.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromGo(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
