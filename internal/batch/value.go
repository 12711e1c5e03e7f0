package batch

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind identifies the scalar type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindTime
	KindInteger
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindTime:
		return "time"
	case KindInteger:
		return "integer"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "null":
		return KindNull, nil
	case "string":
		return KindString, nil
	case "number":
		return KindNumber, nil
	case "time":
		return KindTime, nil
	case "integer":
		return KindInteger, nil
	}
	return KindNull, fmt.Errorf("unknown value kind %q", s)
}

// MergeKind returns the kind a column holding both a and b is stored as.
// Null yields to any kind, integers widen to numbers, and any other mix is
// stored as text.
func MergeKind(a, b Kind) Kind {
	switch {
	case a == KindNull:
		return b
	case b == KindNull, a == b:
		return a
	case (a == KindNumber || a == KindInteger) && (b == KindNumber || b == KindInteger):
		return KindNumber
	}
	return KindString
}

// Value is a single cell. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	i    int64
	t    time.Time
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Integer returns an exact integer value. Identifiers and codes read from
// integer columns keep every digit.
func Integer(n int64) Value { return Value{kind: KindInteger, i: n} }

// Time returns a timestamp value.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Str() string { return v.str }

// Num returns the value as a float. Integers above 2^53 lose precision here;
// use Int for them.
func (v Value) Num() float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.num
}

func (v Value) Int() int64 { return v.i }

// IsNumeric reports whether v is a number or an integer.
func (v Value) IsNumeric() bool { return v.kind == KindNumber || v.kind == KindInteger }

func (v Value) Timestamp() time.Time { return v.t }

// IsIntegral reports whether v is an integer or a number without a
// fractional part.
func (v Value) IsIntegral() bool {
	if v.kind == KindInteger {
		return true
	}
	return v.kind == KindNumber && !math.IsInf(v.num, 0) && v.num == math.Trunc(v.num)
}

// Text renders the cell's text form. Null renders as the empty string.
func (v Value) Text() (string, error) {
	switch v.kind {
	case KindNull:
		return "", nil
	case KindString:
		return v.str, nil
	case KindNumber:
		if v.IsIntegral() && math.Abs(v.num) < 1e18 {
			return strconv.FormatInt(int64(v.num), 10), nil
		}
		return strconv.FormatFloat(v.num, 'g', -1, 64), nil
	case KindInteger:
		return strconv.FormatInt(v.i, 10), nil
	case KindTime:
		return v.t.Format(time.RFC3339), nil
	}
	return "", fmt.Errorf("cannot render value of %s", v.kind)
}

// Equal reports whether two values hold the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num || (math.IsNaN(v.num) && math.IsNaN(o.num))
	case KindInteger:
		return v.i == o.i
	case KindTime:
		return v.t.Equal(o.t)
	}
	return true
}
