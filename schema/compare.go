package schema

import (
	"math"

	"github.com/European-XFEL/Karabo-sub011/hash"
)

// compare orders two real numbers exactly, including int64 against uint64.
// ok is false when either side is not a real number or is NaN.
func compare(a, b any) (c int, ok bool) {
	ta, tb := hash.TypeOf(a), hash.TypeOf(b)
	if ta.IsInteger() && tb.IsInteger() {
		ia, ua, na := splitInt(a)
		ib, ub, nb := splitInt(b)
		switch {
		case na && !nb:
			return -1, true
		case !na && nb:
			return 1, true
		case na && nb:
			return cmp3(ia < ib, ia > ib), true
		default:
			return cmp3(ua < ub, ua > ub), true
		}
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB || math.IsNaN(fa) || math.IsNaN(fb) {
		return 0, false
	}
	return cmp3(fa < fb, fa > fb), true
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// splitInt returns the value as int64 when negative, uint64 otherwise.
func splitInt(v any) (int64, uint64, bool) {
	if u, err := hash.Cast(v, hash.TypeOf(v), hash.UInt64); err == nil {
		return 0, u.(uint64), false
	}
	i, _ := hash.Cast(v, hash.TypeOf(v), hash.Int64)
	n, _ := i.(int64)
	return n, 0, true
}

func toFloat(v any) (float64, bool) {
	t := hash.TypeOf(v)
	if !t.IsInteger() && !t.IsFloating() {
		return 0, false
	}
	f, err := hash.Cast(v, t, hash.Double)
	if err != nil {
		return 0, false
	}
	return f.(float64), true
}
