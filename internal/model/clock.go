package model

import "time"

// Clock supplies wall-clock time. Production code uses SystemClock; tests
// substitute a deterministic clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
