package tuning

import (
	"fmt"
	"strconv"
	"strings"
)

// ParamKind is the declared scalar type of a heuristic parameter. The kind is
// captured once at registration time from the registered value, which removes
// the ambiguity of inspecting the previous value's runtime type on every
// modification. Parameters whose registered value is not one of the four
// scalar kinds are declared opaque and refuse modification.
type ParamKind int

const (
	KindOpaque ParamKind = iota
	KindFloat
	KindInt
	KindBool
	KindString
)

func (k ParamKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "opaque"
	}
}

// kindOf derives the declared kind from a registered parameter value.
func kindOf(v interface{}) ParamKind {
	switch v.(type) {
	case float32, float64:
		return KindFloat
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInt
	case bool:
		return KindBool
	case string:
		return KindString
	default:
		return KindOpaque
	}
}

// coerce converts a proposed value to the declared kind, or reports why it
// cannot. The accepted conversions form a small fixed table:
//
//	float  <- numbers, numeric strings
//	int    <- integers, floats (truncated), integer strings
//	bool   <- bools, case-insensitive "true"/"false"
//	string <- strings, numbers, bools
func coerce(v interface{}, kind ParamKind) (interface{}, error) {
	switch kind {
	case KindFloat:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err == nil {
				return f, nil
			}
		}
		return nil, fmt.Errorf("cannot coerce %T value %v to float", v, v)

	case KindInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int8:
			return int(n), nil
		case int16:
			return int(n), nil
		case int32:
			return int(n), nil
		case int64:
			return int(n), nil
		case uint:
			return int(n), nil
		case uint8:
			return int(n), nil
		case uint16:
			return int(n), nil
		case uint32:
			return int(n), nil
		case uint64:
			return int(n), nil
		case float32:
			return int(n), nil
		case float64:
			return int(n), nil
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(n))
			if err == nil {
				return i, nil
			}
		}
		return nil, fmt.Errorf("cannot coerce %T value %v to int", v, v)

	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, fmt.Errorf("cannot coerce %T value %v to bool", v, v)

	case KindString:
		switch s := v.(type) {
		case string:
			return s, nil
		case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return fmt.Sprintf("%v", s), nil
		}
		return nil, fmt.Errorf("cannot coerce %T value to string", v)

	default:
		return nil, fmt.Errorf("parameter has no coercible declared type")
	}
}

// toFloat64 widens any numeric value to float64. Strings are not accepted
// here; callers that want string parsing handle it explicitly.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// cloneParams deep-copies a parameter map so callers can never mutate store
// state through a returned value.
func cloneParams(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneParams(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		// Scalars are value types.
		return v
	}
}
