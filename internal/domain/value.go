package domain

import (
	"encoding/json"
	"strconv"
)

// ValueKind tags the runtime type of a coerced cell value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindJSON
)

// Value is the small tagged union threaded through coercion and validators.
// Exactly one payload field is meaningful for a given Kind; JSON payloads are
// kept as raw bytes.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Raw   json.RawMessage
}

func NullValue() Value           { return Value{Kind: KindNull} }
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func IntValue(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func JSONValue(raw []byte) Value { return Value{Kind: KindJSON, Raw: json.RawMessage(raw)} }

// IsNull reports whether the value carries no data.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// String renders the value the way it appears in CSV output. Null renders as
// the empty string.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindJSON:
		return string(v.Raw)
	default:
		return ""
	}
}

// Numeric returns the value as a float64 when the kind is numeric.
func (v Value) Numeric() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

// MarshalJSON emits the natural JSON representation for each kind.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindInt:
		return json.Marshal(v.Int)
	case KindFloat:
		return json.Marshal(v.Float)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindJSON:
		return v.Raw, nil
	default:
		return []byte("null"), nil
	}
}
