package ops

import (
	"math"
	"strconv"

	"tether/internal/operr"
	"tether/internal/resource"
)

// Args are the positional arguments of an op call. Values are plain data:
// numbers, strings, byte slices, bools, slices and string-keyed maps.
type Args []any

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Any returns the raw argument, or nil when absent.
func (a Args) Any(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

func (a Args) present(i int) bool {
	return i >= 0 && i < len(a) && a[i] != nil
}

func argName(i int) string {
	return "argument " + strconv.Itoa(i)
}

// Int returns argument i as an integer.
func (a Args) Int(i int) (int64, error) {
	if !a.present(i) {
		return 0, operr.Invalid(argName(i), "missing integer")
	}
	switch v := a[i].(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, operr.Invalid(argName(i), "integer out of range")
		}
		return int64(v), nil
	case resource.ID:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, operr.Invalid(argName(i), "expected integer, got %v", v)
		}
		return int64(v), nil
	default:
		return 0, operr.Invalid(argName(i), "expected integer, got %T", a[i])
	}
}

// OptInt returns argument i as an integer, or def when absent.
func (a Args) OptInt(i int, def int64) (int64, error) {
	if !a.present(i) {
		return def, nil
	}
	return a.Int(i)
}

// Uint32 returns argument i as a non-negative 32-bit integer.
func (a Args) Uint32(i int) (uint32, error) {
	n, err := a.Int(i)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > math.MaxUint32 {
		return 0, operr.Invalid(argName(i), "%d out of range", n)
	}
	return uint32(n), nil
}

// ID returns argument i as a resource id.
func (a Args) ID(i int) (resource.ID, error) {
	n, err := a.Uint32(i)
	return resource.ID(n), err
}

// ResultID extracts the id from a creation op result: either a bare id or a
// record carrying "rid".
func ResultID(v any) (resource.ID, error) {
	if m, ok := v.(map[string]any); ok {
		v = m["rid"]
	}
	id, err := Args{v}.ID(0)
	if err != nil {
		return 0, operr.Invalid("rid", "creation op returned %T", v)
	}
	return id, nil
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	if !a.present(i) {
		return "", operr.Invalid(argName(i), "missing string")
	}
	s, ok := a[i].(string)
	if !ok {
		return "", operr.Invalid(argName(i), "expected string, got %T", a[i])
	}
	return s, nil
}

// OptString returns argument i as a string, or def when absent.
func (a Args) OptString(i int, def string) (string, error) {
	if !a.present(i) {
		return def, nil
	}
	return a.String(i)
}

// Bytes returns argument i as a byte slice. The slice aliases caller memory.
func (a Args) Bytes(i int) ([]byte, error) {
	if !a.present(i) {
		return nil, operr.Invalid(argName(i), "missing buffer")
	}
	switch v := a[i].(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, operr.Invalid(argName(i), "expected buffer, got %T", a[i])
	}
}

// OptBytes returns argument i as a byte slice, or nil when absent.
func (a Args) OptBytes(i int) ([]byte, error) {
	if !a.present(i) {
		return nil, nil
	}
	return a.Bytes(i)
}

// Bool returns argument i as a bool. Absent means false.
func (a Args) Bool(i int) (bool, error) {
	if !a.present(i) {
		return false, nil
	}
	b, ok := a[i].(bool)
	if !ok {
		return false, operr.Invalid(argName(i), "expected boolean, got %T", a[i])
	}
	return b, nil
}

// Strings returns argument i as a string slice. Absent means nil.
func (a Args) Strings(i int) ([]string, error) {
	if !a.present(i) {
		return nil, nil
	}
	switch v := a[i].(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, operr.Invalid(argName(i), "expected string list, found %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, operr.Invalid(argName(i), "expected string list, got %T", a[i])
	}
}

// Map returns argument i as a string-keyed map. Absent means an empty map.
func (a Args) Map(i int) (map[string]any, error) {
	if !a.present(i) {
		return map[string]any{}, nil
	}
	m, ok := a[i].(map[string]any)
	if !ok {
		return nil, operr.Invalid(argName(i), "expected object, got %T", a[i])
	}
	return m, nil
}
