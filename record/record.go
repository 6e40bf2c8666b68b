// Package record defines the dynamic value model stored in a namespace.
//
// Records are schemaless JSON objects. Value is a small tagged variant that
// round-trips any JSON shape losslessly: numbers keep their literal text
// (no float64 coercion), and marshaling is deterministic (sorted object keys)
// so snapshot bytes are stable across flushes of identical data.
package record

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	gojson "github.com/goccy/go-json"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents the zero Value.
	KindInvalid Kind = iota
	// KindNull represents JSON null.
	KindNull
	// KindBool represents a boolean value.
	KindBool
	// KindNumber represents a JSON number, kept as its literal text.
	KindNumber
	// KindString represents a string value.
	KindString
	// KindArray represents an ordered sequence of values.
	KindArray
	// KindObject represents a nested mapping of field name to value.
	KindObject
)

// Value is a tagged variant holding one JSON value.
//
// NOTE: This is used for persistence; keep the wire shape stable.
type Value struct {
	kind Kind
	b    bool
	num  string // literal JSON number text
	str  string
	arr  []Value
	obj  map[string]Value
}

// Null returns the JSON null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns a number value for i.
func Int(i int64) Value { return Value{kind: KindNumber, num: strconv.FormatInt(i, 10)} }

// Float returns a number value for f.
func Float(f float64) Value {
	return Value{kind: KindNumber, num: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Number returns a number value from its literal JSON text.
func Number(text string) Value { return Value{kind: KindNumber, num: text} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Array returns an array value.
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// Object returns an object value wrapping fields. The map is not copied.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

// Kind returns the kind tag of the value.
func (v Value) Kind() Kind { return v.kind }

// BoolValue returns the boolean if Kind is KindBool, otherwise false.
func (v Value) BoolValue() bool { return v.kind == KindBool && v.b }

// StringValue returns the string if Kind is KindString, otherwise "".
func (v Value) StringValue() string {
	if v.kind == KindString {
		return v.str
	}
	return ""
}

// NumberText returns the literal number text if Kind is KindNumber.
func (v Value) NumberText() string {
	if v.kind == KindNumber {
		return v.num
	}
	return ""
}

// Int64 returns the number as an int64.
func (v Value) Int64() (int64, error) {
	if v.kind != KindNumber {
		return 0, fmt.Errorf("record: value is %v, not a number", v.kind)
	}
	return strconv.ParseInt(v.num, 10, 64)
}

// Float64 returns the number as a float64.
func (v Value) Float64() (float64, error) {
	if v.kind != KindNumber {
		return 0, fmt.Errorf("record: value is %v, not a number", v.kind)
	}
	return strconv.ParseFloat(v.num, 64)
}

// ArrayValue returns the element slice if Kind is KindArray.
// The slice is shared; callers must not mutate it.
func (v Value) ArrayValue() []Value {
	if v.kind == KindArray {
		return v.arr
	}
	return nil
}

// ObjectValue returns the field map if Kind is KindObject.
// The map is shared; callers must not mutate it.
func (v Value) ObjectValue() map[string]Value {
	if v.kind == KindObject {
		return v.obj
	}
	return nil
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, e := range v.arr {
			arr[i] = e.Clone()
		}
		return Value{kind: KindArray, arr: arr}
	case KindObject:
		obj := make(map[string]Value, len(v.obj))
		for k, e := range v.obj {
			obj[k] = e.Clone()
		}
		return Value{kind: KindObject, obj: obj}
	default:
		return v
	}
}

// Equal reports whether two values hold the same content.
// Numbers compare by literal text.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, e := range v.obj {
			oe, ok := o.obj[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// MarshalJSON implements json.Marshaler with deterministic output.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindInvalid, KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if v.num == "" {
			buf.WriteByte('0')
		} else {
			buf.WriteString(v.num)
		}
	case KindString:
		b, err := gojson.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := gojson.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case gojson.Number:
		return Number(t.String()), nil
	case string:
		return String(t), nil
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			v, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return Value{kind: KindArray, arr: arr}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Value{kind: KindObject, obj: obj}, nil
	default:
		return Value{}, fmt.Errorf("record: unsupported value type %T", raw)
	}
}

// String implements fmt.Stringer for Kind.
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
		return "invalid"
	}
}

// Record is one stored row: a mapping of field name to value.
type Record map[string]Value

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v.Clone()
	}
	return out
}

// Equal reports whether two records hold the same content.
func (r Record) Equal(o Record) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Set is a mapping of record id to record, the shape of one namespace.
type Set map[string]Record

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id, r := range s {
		out[id] = r.Clone()
	}
	return out
}
