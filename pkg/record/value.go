package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind tags the scalar held by a Value. The order of the constants is the
// rank used when values of different kinds are compared.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a nullable tagged scalar. The zero Value is Null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

var Null = Value{}

func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Time(t time.Time) Value {
	return Value{kind: KindTime, i: t.UTC().UnixNano()}
}
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, i: 1}
	}
	return Value{kind: KindBool}
}

func (v Value) Kind() Kind         { return v.kind }
func (v Value) IsNull() bool       { return v.kind == KindNull }
func (v Value) Int() int64         { return v.i }
func (v Value) Float() float64     { return v.f }
func (v Value) Str() string        { return v.s }
func (v Value) Bool() bool         { return v.kind == KindBool && v.i != 0 }
func (v Value) Time() time.Time    { return time.Unix(0, v.i).UTC() }
func (v Value) Equal(o Value) bool { return v == o }

// Compare orders two values: Null sorts before everything, values of
// different kinds sort by kind.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}

	switch v.kind {
	case KindNull:
		return 0
	case KindBool, KindInt, KindTime:
		return cmp(v.i, o.i)
	case KindFloat:
		return cmp(v.f, o.f)
	case KindString:
		return strings.Compare(v.s, o.s)
	}
	return 0
}

// Any returns the Go value held: nil, bool, int64, float64, string or time.Time.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindTime:
		return v.Time()
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case KindString:
		return strconv.Quote(v.s)
	default:
		return fmt.Sprint(v.Any())
	}
}

// Of converts a Go value into a Value.
func Of(a any) (Value, error) {
	switch a := a.(type) {
	case nil:
		return Null, nil
	case Value:
		return a, nil
	case bool:
		return Bool(a), nil
	case int:
		return Int(int64(a)), nil
	case int32:
		return Int(int64(a)), nil
	case int64:
		return Int(a), nil
	case uint32:
		return Int(int64(a)), nil
	case float32:
		return Float(float64(a)), nil
	case float64:
		return Float(a), nil
	case string:
		return String(a), nil
	case time.Time:
		return Time(a), nil
	case *time.Time:
		if a == nil {
			return Null, nil
		}
		return Time(*a), nil
	case *string:
		if a == nil {
			return Null, nil
		}
		return String(*a), nil
	default:
		return Null, fmt.Errorf("unsupported value type %T", a)
	}
}

// Coerce converts v to kind k where the conversion is lossless: an integral
// float becomes an Int, an RFC 3339 string becomes a Time, an Int becomes a Float.
func Coerce(v Value, k Kind) (Value, bool) {
	if v.kind == k || v.kind == KindNull {
		return v, true
	}
	switch {
	case k == KindInt && v.kind == KindFloat && v.f == float64(int64(v.f)):
		return Int(int64(v.f)), true
	case k == KindFloat && v.kind == KindInt:
		return Float(float64(v.i)), true
	case k == KindTime && v.kind == KindString:
		t, err := time.Parse(time.RFC3339Nano, v.s)
		if err != nil {
			return v, false
		}
		return Time(t), true
	case k == KindTime && v.kind == KindInt:
		return Value{kind: KindTime, i: v.i}, true
	}
	return v, false
}

func cmp[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
