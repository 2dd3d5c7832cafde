package prefs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrUnsupportedShape is returned by FromJSON for JSON that has no Value
// variant, such as objects or arrays holding non-strings.
var ErrUnsupportedShape = errors.New("unsupported value shape")

// MarshalJSON writes floats with a fraction or exponent so they never read
// back as integers. Sets become a sorted array of strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.s)
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("cannot encode %v as JSON", v.f)
		}
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	case KindStringSet:
		if v.set == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.set)
	}
	return nil, fmt.Errorf("cannot encode %s as JSON", v.kind)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromJSON(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromJSON converts a value decoded with json.Decoder.UseNumber. Integer
// literals become Int and fit int64 exactly; literals with a fraction or
// exponent become Float.
func FromJSON(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case json.Number:
		return fromNumber(string(x))
	case float64:
		return Float(x), nil
	case []any:
		items := make([]string, 0, len(x))
		for _, it := range x {
			s, ok := it.(string)
			if !ok {
				return Null(), fmt.Errorf("%w: array element %T", ErrUnsupportedShape, it)
			}
			items = append(items, s)
		}
		return StringSet(items), nil
	}
	return Null(), fmt.Errorf("%w: %T", ErrUnsupportedShape, raw)
}

func fromNumber(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Null(), fmt.Errorf("%w: integer %s out of range", ErrUnsupportedShape, s)
		}
		return Int(i), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Null(), fmt.Errorf("%w: number %s", ErrUnsupportedShape, s)
	}
	return Float(f), nil
}
