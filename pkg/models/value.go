package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// ValueKind tags the closed variant set of runtime values. The engine never
// stores raw interface{} values; everything crossing the variable boundary
// is normalized into a Value first.
type ValueKind string

const (
	KindNull     ValueKind = "null"
	KindString   ValueKind = "string"
	KindInteger  ValueKind = "integer"
	KindNumber   ValueKind = "number"
	KindBoolean  ValueKind = "boolean"
	KindDateTime ValueKind = "datetime"
	KindArray    ValueKind = "array"
	KindObject   ValueKind = "object"
)

// Value is a tagged variant over the runtime value types of process
// variables. The zero Value is Null.
type Value struct {
	Kind ValueKind `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Int  int64     `json:"int,omitempty"`
	Num  float64   `json:"num,omitempty"`
	Bool bool      `json:"bool,omitempty"`
	Time time.Time `json:"time,omitzero"`
	Arr  []Value   `json:"arr,omitempty"`
	Obj  ObjectVal `json:"obj,omitempty"`
}

// ObjectVal keeps object values with stable key iteration for deterministic
// rendering and comparison.
type ObjectVal map[string]Value

func Null() Value                 { return Value{Kind: KindNull} }
func StringValue(s string) Value  { return Value{Kind: KindString, Str: s} }
func IntegerValue(i int64) Value  { return Value{Kind: KindInteger, Int: i} }
func NumberValue(f float64) Value { return Value{Kind: KindNumber, Num: f} }
func BooleanValue(b bool) Value   { return Value{Kind: KindBoolean, Bool: b} }
func ArrayValue(a []Value) Value  { return Value{Kind: KindArray, Arr: a} }

func DateTimeValue(t time.Time) Value { return Value{Kind: KindDateTime, Time: t.UTC()} }

func ObjectValue(o map[string]Value) Value { return Value{Kind: KindObject, Obj: o} }

// IsNull reports whether the value is the null variant. A zero Value with an
// empty kind counts as null so uninitialized lookups behave like missing
// variables.
func (v Value) IsNull() bool {
	return v.Kind == KindNull || v.Kind == ""
}

// IsNumeric reports whether the value is an integer or a number.
func (v Value) IsNumeric() bool {
	return v.Kind == KindInteger || v.Kind == KindNumber
}

// Float returns the numeric value as a float64. Only meaningful for numeric kinds.
func (v Value) Float() float64 {
	if v.Kind == KindInteger {
		return float64(v.Int)
	}

	return v.Num
}

// Truthy applies the documented truthiness rules: null is false, numbers are
// true when non-zero, strings and collections when non-empty.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBoolean:
		return v.Bool
	case KindString:
		return v.Str != ""
	case KindInteger:
		return v.Int != 0
	case KindNumber:
		return v.Num != 0
	case KindDateTime:
		return !v.Time.IsZero()
	case KindArray:
		return len(v.Arr) > 0
	case KindObject:
		return len(v.Obj) > 0
	default:
		return false
	}
}

// Equal compares values, treating integers and numbers as one numeric domain.
func (v Value) Equal(other Value) bool {
	if v.IsNull() || other.IsNull() {
		return v.IsNull() && other.IsNull()
	}

	if v.IsNumeric() && other.IsNumeric() {
		return v.Float() == other.Float()
	}

	if v.Kind != other.Kind {
		return false
	}

	switch v.Kind {
	case KindString:
		return v.Str == other.Str
	case KindBoolean:
		return v.Bool == other.Bool
	case KindDateTime:
		return v.Time.Equal(other.Time)
	case KindArray:
		if len(v.Arr) != len(other.Arr) {
			return false
		}

		for i := range v.Arr {
			if !v.Arr[i].Equal(other.Arr[i]) {
				return false
			}
		}

		return true
	case KindObject:
		if len(v.Obj) != len(other.Obj) {
			return false
		}

		for k, val := range v.Obj {
			o, ok := other.Obj[k]
			if !ok || !val.Equal(o) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// Compare orders two values of a comparable kind pair. It returns a negative,
// zero or positive result, and false when the kinds are not mutually ordered.
func (v Value) Compare(other Value) (int, bool) {
	switch {
	case v.IsNumeric() && other.IsNumeric():
		a, b := v.Float(), other.Float()
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		default:
			return 0, true
		}
	case v.Kind == KindString && other.Kind == KindString:
		switch {
		case v.Str < other.Str:
			return -1, true
		case v.Str > other.Str:
			return 1, true
		default:
			return 0, true
		}
	case v.Kind == KindDateTime && other.Kind == KindDateTime:
		switch {
		case v.Time.Before(other.Time):
			return -1, true
		case v.Time.After(other.Time):
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

// Interface converts the value to the native representation used at JSON and
// template boundaries.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInteger:
		return v.Int
	case KindNumber:
		return v.Num
	case KindBoolean:
		return v.Bool
	case KindDateTime:
		return v.Time.Format(time.RFC3339)
	case KindArray:
		out := make([]any, len(v.Arr))
		for i, item := range v.Arr {
			out[i] = item.Interface()
		}

		return out
	case KindObject:
		out := make(map[string]any, len(v.Obj))
		for k, item := range v.Obj {
			out[k] = item.Interface()
		}

		return out
	default:
		return nil
	}
}

// FromAny normalizes a JSON-decoded native value into the variant set.
// Unrepresentable inputs return an error rather than a silent null.
func FromAny(raw any) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return val, nil
	case string:
		return StringValue(val), nil
	case bool:
		return BooleanValue(val), nil
	case int:
		return IntegerValue(int64(val)), nil
	case int32:
		return IntegerValue(int64(val)), nil
	case int64:
		return IntegerValue(val), nil
	case float32:
		return fromFloat(float64(val)), nil
	case float64:
		return fromFloat(val), nil
	case time.Time:
		return DateTimeValue(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return IntegerValue(i), nil
		}

		f, err := val.Float64()
		if err != nil {
			return Null(), fmt.Errorf("unrepresentable number %q: %w", val.String(), err)
		}

		return NumberValue(f), nil
	case []any:
		arr := make([]Value, len(val))

		for i, item := range val {
			v, err := FromAny(item)
			if err != nil {
				return Null(), err
			}

			arr[i] = v
		}

		return ArrayValue(arr), nil
	case map[string]any:
		obj := make(map[string]Value, len(val))

		for k, item := range val {
			v, err := FromAny(item)
			if err != nil {
				return Null(), err
			}

			obj[k] = v
		}

		return ObjectValue(obj), nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", raw)
	}
}

// fromFloat keeps whole-numbered floats as integers so JSON round trips do
// not silently widen counters into floats.
func fromFloat(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return IntegerValue(int64(f))
	}

	return NumberValue(f)
}

// SortedKeys returns object keys in lexical order.
func (o ObjectVal) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
