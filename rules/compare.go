package rules

import (
	"reflect"
	"strings"

	"github.com/spf13/cast"
)

// levelRanks orders the severity vocabulary used across entities so that
// "severity >= high" holds for critical but not for low.
var levelRanks = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

// Compare applies op to actual and the literal from a condition.
func Compare(actual interface{}, op, literal string) bool {
	switch literal {
	case "true", "false":
		want := literal == "true"
		got, err := cast.ToBoolE(actual)
		if err != nil {
			return false
		}
		return compareOrdered(boolRank(got), op, boolRank(want))
	}

	if a, ok := toNumber(actual); ok {
		if b, err := cast.ToFloat64E(literal); err == nil {
			return compareOrdered(a, op, b)
		}
	}

	s, err := cast.ToStringE(actual)
	if err != nil {
		return false
	}

	ra, okA := levelRanks[strings.ToLower(s)]
	rb, okB := levelRanks[strings.ToLower(literal)]
	if okA && okB {
		return compareOrdered(ra, op, rb)
	}

	return compareOrdered(s, op, literal)
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNumber(v interface{}) (float64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return 0, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Bool:
		return 0, false
	case reflect.String:
		if strings.TrimSpace(rv.String()) == "" {
			return 0, false
		}
	}
	f, err := cast.ToFloat64E(rv.Interface())
	if err != nil {
		return 0, false
	}
	return f, true
}

type ordered interface {
	~int | ~float64 | ~string
}

func compareOrdered[T ordered](a T, op string, b T) bool {
	switch op {
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case "<":
		return a < b
	case "=":
		return a == b
	case "!=":
		return a != b
	default:
		return false
	}
}
