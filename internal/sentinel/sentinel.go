// Package sentinel centralizes the "no value" constants spec.md §9 DESIGN
// NOTES warns against re-deriving at every call site: NULL_VALUE,
// NULL_POSITION, NULL_COUNTER_ID. Every package that needs to test "is this
// an outstanding request / an open-ended position / an unpublished
// counter" imports this package instead of comparing against -1 locally.
package sentinel

// NullValue is the generic "unset" sentinel for int64-valued ids
// (correlation ids, recording ids, leadership term ids).
const NullValue int64 = -1

// NullPosition marks an open-ended log position (spec.md §3: "logPosition
// = NULL_POSITION when open-ended").
const NullPosition int64 = -1

// NullCounterID marks a counter id that has not yet been resolved from the
// counters registry.
const NullCounterID int32 = -1

// IsNull reports whether v is the null sentinel.
func IsNull(v int64) bool {
	return v == NullValue
}
