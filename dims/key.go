package dims

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Surrogate keys are a stable xxhash64 of the natural-key tuple, not random
// identifiers: the same natural key always maps to the same key, so
// concurrent or restarted builders converge on identical dimension rows
// without coordination.

const (
	fieldSeparator = "\x1f"
	nullMarker     = "\x00"
)

// Key hashes a tuple of values into a surrogate key.
func Key(values ...any) int64 {
	h := xxhash.New()
	for i, v := range values {
		if i > 0 {
			_, _ = h.WriteString(fieldSeparator)
		}
		_, _ = h.WriteString(canonical(v))
	}
	return int64(h.Sum64())
}

// canonical renders a value identically whether it was parsed from a source
// file or read back from the database.
func canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return nullMarker
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return nullMarker
	}
}
