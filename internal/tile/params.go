package tile

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"
)

// Params holds query parameters and typed accessors that validate them.
// Numeric strings coerce to numbers and a single string coerces to a list,
// so URL query values and structured configuration validate the same way.
type Params map[string]any

// String returns the value of key if it is a string.
func (p Params) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// RequiredString returns key as a string of at least minLen characters.
func (p Params) RequiredString(key string, minLen int) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", fmt.Errorf("value %q is missing", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("invalid %s param type %T given, was expecting string", key, v)
	}
	if len(s) < minLen {
		return "", fmt.Errorf("invalid %s param - the string must be at least %d symbols", key, minLen)
	}
	return s, nil
}

// Int returns key as an integer in [min, max], or def when key is absent.
func (p Params) Int(key string, def, min, max int) (int, error) {
	v, ok, err := p.OptionalInt(key, min, max)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// OptionalInt returns key as an integer in [min, max]; ok is false when key
// is absent.
func (p Params) OptionalInt(key string, min, max int) (int, bool, error) {
	v, present := p[key]
	if !present || v == nil {
		return 0, false, nil
	}
	n, err := ToInt(v)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s param type %T given, was expecting an integer", key, v)
	}
	if n < min {
		return 0, false, fmt.Errorf("invalid %s param - must be at least %d, but given %d", key, min, n)
	}
	if n > max {
		return 0, false, fmt.Errorf("invalid %s param - must be at most %d, but given %d", key, max, n)
	}
	p[key] = n
	return n, true, nil
}

// Bool returns key as a boolean; absent means false.
func (p Params) Bool(key string) (bool, error) {
	v, present := p[key]
	if !present || v == nil {
		return false, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s param type %T given, was expecting boolean", key, v)
	}
	p[key] = b
	return b, nil
}

// Strings returns key as a list of non-empty strings with at least minCount
// entries. A plain string is split on commas.
func (p Params) Strings(key string, minCount int) ([]string, error) {
	v, present := p[key]
	if !present || v == nil {
		if minCount > 0 {
			return nil, fmt.Errorf("value %q is missing", key)
		}
		return nil, nil
	}
	list, err := ToStrings(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s param: expecting a string or an array of strings", key)
	}
	if len(list) < minCount {
		return nil, fmt.Errorf("invalid %s param - it must have at least %d values, but given %d", key, minCount, len(list))
	}
	p[key] = list
	return list, nil
}

// ToInt converts v to an int, rejecting fractional numbers.
func ToInt(v any) (int, error) {
	switch f := v.(type) {
	case float64:
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("%v is not an integer", f)
		}
	case float32:
		if float64(f) != math.Trunc(float64(f)) {
			return 0, fmt.Errorf("%v is not an integer", f)
		}
	case bool:
		return 0, fmt.Errorf("%v is not an integer", f)
	case string:
		v = strings.TrimSpace(f)
	}
	return cast.ToIntE(v)
}

// ToStrings converts a string or a list into a list of non-empty strings.
func ToStrings(v any) ([]string, error) {
	var list []string
	switch s := v.(type) {
	case string:
		list = strings.Split(s, ",")
	case []string:
		list = s
	case []any:
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%v is not a string", e)
			}
			list = append(list, str)
		}
	default:
		return nil, fmt.Errorf("%T is not a string list", v)
	}
	for _, s := range list {
		if s == "" {
			return nil, fmt.Errorf("empty string in list")
		}
	}
	return list, nil
}
