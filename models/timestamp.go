package models

import "time"

// NormalizeTimestamp converts an epoch value in seconds, milliseconds,
// microseconds or nanoseconds to milliseconds, guessing the unit from its
// magnitude.
func NormalizeTimestamp(ts int64) int64 {
	switch {
	case ts <= 0:
		return 0
	case ts >= 1e17:
		return ts / int64(time.Millisecond)
	case ts >= 1e14:
		return ts / 1e3
	case ts >= 1e11:
		return ts
	default:
		return ts * 1e3
	}
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
