// Package prefs defines the typed preference values and named scopes shared by
// the local store, the day-status engine and the backup codec.
package prefs

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindString
	KindInt
	KindFloat
	KindStringSet
)

var kindNames = map[Kind]string{
	KindNull:      "null",
	KindBool:      "bool",
	KindString:    "string",
	KindInt:       "int",
	KindFloat:     "float",
	KindStringSet: "string_set",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindNull, fmt.Errorf("unknown value kind %q", s)
}

// Value is a closed tagged union: null, bool, string, int64, float64 or a set
// of strings. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	s    string
	i    int64
	f    float64
	set  []string
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// StringSet returns a set value. Items are copied, sorted and de-duplicated, so
// the set always flattens to the same ordered list.
func StringSet(items []string) Value {
	set := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		set = append(set, it)
	}
	sort.Strings(set)
	return Value{kind: KindStringSet, set: set}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsStringSet returns a copy of the set members in sorted order.
func (v Value) AsStringSet() ([]string, bool) {
	if v.kind != KindStringSet {
		return nil, false
	}
	out := make([]string, len(v.set))
	copy(out, v.set)
	return out, true
}

// Equal reports whether both values hold the same variant and contents.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindStringSet:
		if len(v.set) != len(o.set) {
			return false
		}
		for i := range v.set {
			if v.set[i] != o.set[i] {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return strconv.Quote(v.s)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindStringSet:
		return fmt.Sprintf("%q", v.set)
	}
	return "null"
}

// Encode returns the kind name and text form used for persistence.
func (v Value) Encode() (kind string, raw string, err error) {
	switch v.kind {
	case KindNull:
		return kindNames[KindNull], "", nil
	case KindBool:
		return kindNames[KindBool], strconv.FormatBool(v.b), nil
	case KindString:
		return kindNames[KindString], v.s, nil
	case KindInt:
		return kindNames[KindInt], strconv.FormatInt(v.i, 10), nil
	case KindFloat:
		return kindNames[KindFloat], strconv.FormatFloat(v.f, 'g', -1, 64), nil
	case KindStringSet:
		b, err := json.Marshal(v.set)
		if err != nil {
			return "", "", fmt.Errorf("encoding string set: %w", err)
		}
		return kindNames[KindStringSet], string(b), nil
	}
	return "", "", fmt.Errorf("cannot encode %s", v.kind)
}

// Decode parses a persisted kind/text pair. Malformed input yields an error
// wrapping ErrCorruptValue.
func Decode(kind, raw string) (Value, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return Null(), corrupt(raw, err)
	}
	switch k {
	case KindNull:
		return Null(), nil
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Null(), corrupt(raw, err)
		}
		return Bool(b), nil
	case KindString:
		return String(raw), nil
	case KindInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Null(), corrupt(raw, err)
		}
		return Int(i), nil
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Null(), corrupt(raw, err)
		}
		return Float(f), nil
	case KindStringSet:
		var items []string
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return Null(), corrupt(raw, err)
		}
		return StringSet(items), nil
	}
	return Null(), corrupt(raw, fmt.Errorf("unsupported kind %s", k))
}

func corrupt(raw string, err error) error {
	return &CorruptValueError{Raw: raw, Err: err}
}
