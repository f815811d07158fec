// Package jsondoc models schema-agnostic JSON documents as a tagged value tree.
//
// Record payloads are opaque to the broker: it only needs to read, replace and
// merge sub-trees addressed by slash-delimited paths. Objects keep insertion
// order so documents round-trip through storage without reshuffling keys.
package jsondoc

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind tags the concrete type of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
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
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a node of a document. Only Null, Bool, Number, String, Array and
// *Object implement it.
type Value interface {
	json.Marshaler
	Kind() Kind
	sealed()
}

// Null is the JSON null.
type Null struct{}

// Bool is a JSON boolean.
type Bool bool

// Number keeps the literal text of a JSON number so large integers survive.
type Number string

// String is a JSON string.
type String string

// Array is an ordered list of values.
type Array []Value

func (Null) Kind() Kind   { return KindNull }
func (Bool) Kind() Kind   { return KindBool }
func (Number) Kind() Kind { return KindNumber }
func (String) Kind() Kind { return KindString }
func (Array) Kind() Kind  { return KindArray }

func (Null) sealed()   {}
func (Bool) sealed()   {}
func (Number) sealed() {}
func (String) sealed() {}
func (Array) sealed()  {}

// Int returns the number n.
func Int(n int64) Number {
	return Number(strconv.FormatInt(n, 10))
}

// Float returns the number f. NaN and infinities have no JSON form and become 0.
func Float(f float64) Number {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Number("0")
	}
	return Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// Float64 parses the number.
func (n Number) Float64() (float64, error) {
	return strconv.ParseFloat(string(n), 64)
}

// Int64 parses the number as an integer.
func (n Number) Int64() (int64, error) {
	return strconv.ParseInt(string(n), 10, 64)
}

// Pair is a key/value used to build objects in order.
type Pair struct {
	Key   string
	Value Value
}

// P is shorthand for Pair.
func P(key string, v Value) Pair {
	return Pair{Key: key, Value: v}
}

// Object is a JSON object that remembers key insertion order.
type Object struct {
	keys []string
	vals map[string]Value
}

func (*Object) Kind() Kind { return KindObject }
func (*Object) sealed()    {}

// NewObject builds an object from pairs; a repeated key keeps its first
// position and its last value.
func NewObject(pairs ...Pair) *Object {
	o := &Object{vals: make(map[string]Value, len(pairs))}
	for _, p := range pairs {
		o.Set(p.Key, p.Value)
	}
	return o
}

// Len returns the number of keys.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.keys...)
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (Value, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Set stores v under key, appending the key if it is new. A nil v is stored as Null.
func (o *Object) Set(key string, v Value) {
	if v == nil {
		v = Null{}
	}
	if o.vals == nil {
		o.vals = make(map[string]Value)
	}
	if _, ok := o.vals[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = v
}

// Delete removes key and reports whether it was present.
func (o *Object) Delete(key string) bool {
	if _, ok := o.vals[key]; !ok {
		return false
	}
	delete(o.vals, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
	return true
}

// Clone returns a deep copy of o.
func (o *Object) Clone() *Object {
	out := &Object{keys: make([]string, 0, o.Len()), vals: make(map[string]Value, o.Len())}
	if o == nil {
		return out
	}
	for _, k := range o.keys {
		out.keys = append(out.keys, k)
		out.vals[k] = Clone(o.vals[k])
	}
	return out
}

// Clone returns a deep copy of v. A nil v clones to Null.
func Clone(v Value) Value {
	switch t := v.(type) {
	case nil:
		return Null{}
	case *Object:
		return t.Clone()
	case Array:
		out := make(Array, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether a and b are the same document. Object key order is
// ignored; numbers compare by value.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch at := a.(type) {
	case Null:
		return true
	case Bool:
		return at == b.(Bool)
	case String:
		return at == b.(String)
	case Number:
		bt := b.(Number)
		if at == bt {
			return true
		}
		af, aerr := at.Float64()
		bf, berr := bt.Float64()
		return aerr == nil && berr == nil && af == bf
	case Array:
		bt := b.(Array)
		if len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	case *Object:
		bt := b.(*Object)
		if at.Len() != bt.Len() {
			return false
		}
		for _, k := range at.keys {
			bv, ok := bt.Get(k)
			if !ok || !Equal(at.vals[k], bv) {
				return false
			}
		}
		return true
	}
	return false
}

// IsEmptyObject reports whether v is an object with no keys.
func IsEmptyObject(v Value) bool {
	o, ok := v.(*Object)
	return ok && o.Len() == 0
}

// FromAny converts decoded Go values (as produced by encoding/json or built
// by hand) into a Value. Map keys are sorted since Go maps carry no order.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return Clone(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case []string:
		out := make(Array, len(t))
		for i, s := range t {
			out[i] = String(s)
		}
		return out, nil
	case []any:
		out := make(Array, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := NewObject()
		for _, k := range keys {
			v, err := FromAny(t[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			obj.Set(k, v)
		}
		return obj, nil
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("jsondoc: unsupported value %T: %w", x, err)
		}
		return Parse(raw)
	}
}

// ToAny converts v into plain Go values: map[string]any, []any, json.Number,
// string, bool and nil.
func ToAny(v Value) any {
	switch t := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(t)
	case Number:
		return json.Number(t)
	case String:
		return string(t)
	case Array:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = ToAny(e)
		}
		return out
	case *Object:
		out := make(map[string]any, t.Len())
		for _, k := range t.keys {
			out[k] = ToAny(t.vals[k])
		}
		return out
	}
	return nil
}
