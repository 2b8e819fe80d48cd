package challenge

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Fields carries create/update input from a form or a JSON body. Numeric
// values may arrive as numbers or strings.
type Fields map[string]any

// aliases maps accepted spellings to field keys
var aliases = map[string]string{
	"minQueries":  "min_queries",
	"maxQueries":  "max_queries",
	"min_rounds":  "min_queries",
	"max_rounds":  "max_queries",
	"flag_scheme": "scheme",
}

func (f Fields) lookup(key string) (any, bool) {
	if v, ok := f[key]; ok {
		return v, true
	}
	for alias, k := range aliases {
		if k == key {
			if v, ok := f[alias]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// Int returns an integral field. Fractional input is truncated.
func (f Fields) Int(key string) (int, bool, error) {
	v, ok := f.lookup(key)
	if !ok {
		return 0, false, nil
	}

	var x float64
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		x = n
	case json.Number:
		var err error
		if x, err = n.Float64(); err != nil {
			return 0, true, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
	case string:
		var err error
		if x, err = strconv.ParseFloat(strings.TrimSpace(n), 64); err != nil {
			return 0, true, fmt.Errorf("%w: %s: not a number", ErrInvalid, key)
		}
	case []string:
		if len(n) == 0 {
			return 0, false, nil
		}
		return Fields{key: n[0]}.Int(key)
	default:
		return 0, true, fmt.Errorf("%w: %s: unsupported type %T", ErrInvalid, key, v)
	}

	if math.IsNaN(x) || math.IsInf(x, 0) || x > math.MaxInt32 || x < math.MinInt32 {
		return 0, true, fmt.Errorf("%w: %s: out of range", ErrInvalid, key)
	}
	return int(x), true, nil
}

// String returns a string field
func (f Fields) String(key string) (string, bool) {
	v, ok := f.lookup(key)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []string:
		if len(s) == 0 {
			return "", false
		}
		return s[0], true
	default:
		return fmt.Sprint(v), true
	}
}
