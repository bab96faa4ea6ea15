package object

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Normalize converts scalar values to a canonical representation so that
// values read back from a driver compare equal to values set by callers.
// All signed and unsigned integers that fit become int64, float32 becomes float64.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return normalizeUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return normalizeUint(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

func normalizeUint(x uint64) any {
	if x > math.MaxInt64 {
		return x
	}
	return int64(x)
}

// Equal reports whether two column values are equal. Nil only equals nil.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case *Deferred:
		y, ok := b.(*Deferred)
		return ok && x.Target.Key() == y.Target.Key() && x.Column == y.Column
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// encodeValue writes a typed, unambiguous representation of v used in identity keys.
func encodeValue(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return "null"
	case int64:
		return "i" + strconv.FormatInt(x, 10)
	case uint64:
		return "u" + strconv.FormatUint(x, 10)
	case float64:
		return "f" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "s" + strconv.Quote(x)
	case []byte:
		return "b" + strconv.Quote(string(x))
	case bool:
		return "t" + strconv.FormatBool(x)
	case time.Time:
		return "d" + x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return fmt.Sprintf("%T%q", x, x.String())
	default:
		return fmt.Sprintf("%T%v", x, x)
	}
}
