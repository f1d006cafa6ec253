package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind is the scalar type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
)

var kindNames = [...]string{"null", "bool", "int", "uint", "float", "string"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return KindNull, fmt.Errorf("unknown value kind %q", s)
}

// Value is one typed table cell. The zero Value is the absent marker.
type Value struct {
	kind Kind
	bits uint64
	str  string
}

func Null() Value           { return Value{} }
func Int(i int64) Value     { return Value{kind: KindInt, bits: uint64(i)} }
func Uint(u uint64) Value   { return Value{kind: KindUint, bits: u} }
func Float(f float64) Value { return Value{kind: KindFloat, bits: math.Float64bits(f)} }
func Text(s string) Value   { return Value{kind: KindString, str: s} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.bits = 1
	}
	return v
}

// OptInt returns Int(i) when ok, else the absent marker.
func OptInt(i int64, ok bool) Value {
	if !ok {
		return Null()
	}
	return Int(i)
}

// OptFloat returns Float(f) when ok, else the absent marker.
func OptFloat(f float64, ok bool) Value {
	if !ok {
		return Null()
	}
	return Float(f)
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) BoolValue() bool     { return v.kind == KindBool && v.bits == 1 }
func (v Value) IntValue() int64     { return int64(v.bits) }
func (v Value) UintValue() uint64   { return v.bits }
func (v Value) FloatValue() float64 { return math.Float64frombits(v.bits) }
func (v Value) TextValue() string   { return v.str }

// Number reports the value as a float64 for numeric and bool kinds.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.IntValue()), true
	case KindUint:
		return float64(v.bits), true
	case KindFloat:
		return v.FloatValue(), true
	case KindBool:
		if v.BoolValue() {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Any returns the plain Go value (nil when absent).
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.BoolValue()
	case KindInt:
		return v.IntValue()
	case KindUint:
		return v.bits
	case KindFloat:
		return v.FloatValue()
	case KindString:
		return v.str
	}
	return nil
}

// String formats the value for display. Absent values render as an empty string.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.BoolValue())
	case KindInt:
		return strconv.FormatInt(v.IntValue(), 10)
	case KindUint:
		return strconv.FormatUint(v.bits, 10)
	case KindFloat:
		return strconv.FormatFloat(v.FloatValue(), 'f', -1, 64)
	case KindString:
		return v.str
	}
	return ""
}

// Equal compares kind and payload. Two NaN floats are equal.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.bits == o.bits && v.str == o.str
}

type wireValue struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value with its kind so it round-trips exactly.
// Absent values encode as null.
func (v Value) MarshalJSON() ([]byte, error) {
	var raw []byte
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindFloat:
		f := v.FloatValue()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			raw, _ = json.Marshal(strconv.FormatFloat(f, 'g', -1, 64))
		} else {
			raw, _ = json.Marshal(f)
		}
	case KindUint:
		raw = []byte(strconv.FormatUint(v.bits, 10))
	case KindInt:
		raw = []byte(strconv.FormatInt(v.IntValue(), 10))
	default:
		var err error
		if raw, err = json.Marshal(v.Any()); err != nil {
			return nil, err
		}
	}
	return json.Marshal(wireValue{Kind: v.kind.String(), Value: raw})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Null()
		return nil
	}
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := ParseKind(w.Kind)
	if err != nil {
		return err
	}
	switch kind {
	case KindNull:
		*v = Null()
	case KindBool:
		var b bool
		err = json.Unmarshal(w.Value, &b)
		*v = Bool(b)
	case KindInt:
		var i int64
		err = json.Unmarshal(w.Value, &i)
		*v = Int(i)
	case KindUint:
		var u uint64
		err = json.Unmarshal(w.Value, &u)
		*v = Uint(u)
	case KindFloat:
		var f float64
		if err = json.Unmarshal(w.Value, &f); err != nil {
			var s string
			if json.Unmarshal(w.Value, &s) == nil {
				f, err = strconv.ParseFloat(s, 64)
			}
		}
		*v = Float(f)
	case KindString:
		var s string
		err = json.Unmarshal(w.Value, &s)
		*v = Text(s)
	}
	if err != nil {
		return fmt.Errorf("decoding %s value: %w", kind, err)
	}
	return nil
}
