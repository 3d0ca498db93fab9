package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
)

// Compare applies a threshold to a field value. Values that cannot be
// compared are a non-match, never an error.
func Compare(t filter.Threshold, x interface{}) bool {
	if x == nil {
		return false
	}
	switch t.Operator {
	case filter.OpEq:
		return looseEqual(x, t.Value)
	case filter.OpNotEq:
		return !looseEqual(x, t.Value)
	case filter.OpGt, filter.OpLt, filter.OpGte, filter.OpLte:
		xf, ok := numeric(x)
		if !ok {
			return false
		}
		vf, ok := numeric(t.Value)
		if !ok {
			return false
		}
		switch t.Operator {
		case filter.OpGt:
			return xf > vf
		case filter.OpLt:
			return xf < vf
		case filter.OpGte:
			return xf >= vf
		default:
			return xf <= vf
		}
	case filter.OpBetween:
		xf, ok := numeric(x)
		if !ok {
			return false
		}
		lo, ok := numeric(t.Value)
		if !ok {
			return false
		}
		hi, ok := numeric(t.Value2)
		if !ok {
			return false
		}
		// no swap: an inverted range matches nothing
		return lo <= xf && xf <= hi
	}
	return false
}

// looseEqual compares numerically when both sides are numbers and by exact
// textual form otherwise.
func looseEqual(a, b interface{}) bool {
	if af, ok := numeric(a); ok {
		if bf, ok := numeric(b); ok {
			return af == bf
		}
	}
	return textual(a) == textual(b)
}

func numeric(value interface{}) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func textual(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
