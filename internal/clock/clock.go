// Package clock provides a monotonic microsecond timestamp shared by the
// link and engine layers. All *_us fields in the system are readings of
// this clock, never wall time.
package clock

import "time"

var base = time.Now()

// Micros returns microseconds elapsed since process start, monotonic.
func Micros() int64 {
	return time.Since(base).Microseconds()
}

// Since returns the duration elapsed since a previous Micros reading.
func Since(us int64) time.Duration {
	return time.Duration(Micros()-us) * time.Microsecond
}
