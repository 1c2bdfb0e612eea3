package filter

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

func toFloat(v any) (float64, bool) {
	var (
		f   float64
		err error
	)

	switch n := v.(type) {
	case json.Number:
		f, err = n.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return 0, false
	}

	if err != nil || math.IsNaN(f) {
		return 0, false
	}

	return f, true
}

// truthy treats the string "true" (any case) as true, other strings as false,
// and everything else by its zero-ness.
func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	case json.Number:
		f, err := b.Float64()

		return err == nil && f != 0 && !math.IsNaN(f)
	case float64:
		return b != 0 && !math.IsNaN(b)
	case int:
		return b != 0
	default:
		return true
	}
}

// stringify renders scalars the way they appear in JSON text. Objects and
// arrays have no string form.
func stringify(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "null", true
	case bool:
		return strconv.FormatBool(s), true
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	default:
		return "", false
	}
}
