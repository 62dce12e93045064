package resolve

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/columns"
)

// Coerce shapes a candidate value to its destination datatype so the diff
// compares like with like. The switch over the datatype tags is exhaustive;
// an unknown tag falls through to nil (field skipped) rather than silently
// stringifying.
func Coerce(dt columns.Datatype, old, candidate interface{}) interface{} {
	if candidate == nil {
		return nil
	}
	switch dt {
	case columns.Text, columns.LongText:
		return strings.TrimSpace(asString(candidate))
	case columns.MultiText:
		return asStringSlice(candidate)
	case columns.Int:
		v, ok := asInt64(candidate)
		if !ok {
			return nil
		}
		return v
	case columns.Float, columns.Rating:
		v, ok := asFloat64(candidate)
		if !ok {
			return nil
		}
		return v
	case columns.Bool:
		switch b := candidate.(type) {
		case bool:
			return b
		case float64:
			return b != 0
		case int64:
			return b != 0
		default:
			return nil
		}
	case columns.Datetime:
		t, ok := candidate.(time.Time)
		if !ok {
			return nil
		}
		return t
	case columns.Series:
		sv, ok := candidate.(columns.SeriesValue)
		if !ok {
			return nil
		}
		// An exact (name, index) match is a no-op; hand back the old
		// value so no spurious diff is staged.
		if oldSV, ok := old.(columns.SeriesValue); ok && oldSV == sv {
			return oldSV
		}
		return sv
	}
	return nil
}

// Equal reports whether two already-coerced values compare equal for the
// given datatype. String comparison trims surrounding whitespace.
func Equal(dt columns.Datatype, old, candidate interface{}) bool {
	if old == nil || candidate == nil {
		return old == nil && candidate == nil
	}
	switch dt {
	case columns.Text, columns.LongText:
		return strings.TrimSpace(asString(old)) == strings.TrimSpace(asString(candidate))
	case columns.MultiText:
		a, b := asStringSlice(old), asStringSlice(candidate)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if strings.TrimSpace(a[i]) != strings.TrimSpace(b[i]) {
				return false
			}
		}
		return true
	case columns.Int:
		a, aok := asInt64(old)
		b, bok := asInt64(candidate)
		return aok && bok && a == b
	case columns.Float, columns.Rating:
		a, aok := asFloat64(old)
		b, bok := asFloat64(candidate)
		return aok && bok && a == b
	case columns.Bool:
		a, aok := old.(bool)
		b, bok := candidate.(bool)
		return aok && bok && a == b
	case columns.Datetime:
		a, aok := old.(time.Time)
		b, bok := candidate.(time.Time)
		return aok && bok && a.Equal(b)
	case columns.Series:
		a, aok := old.(columns.SeriesValue)
		b, bok := candidate.(columns.SeriesValue)
		return aok && bok && a == b
	}
	return false
}

// Display renders a value for "old >> new" change-log rows.
func Display(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	case time.Time:
		return t.Format("2006-01-02 15:04")
	case columns.SeriesValue:
		return fmt.Sprintf("%s [%v]", t.Name, t.Index)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, asString(e))
		}
		return strings.Join(parts, ", ")
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, asString(e))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return []string{asString(t)}
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func asFloat64(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
