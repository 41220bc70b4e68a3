package ratelimit

import "time"

// Clock abstracts time.Now so limiter behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
