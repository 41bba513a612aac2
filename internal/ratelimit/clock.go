package ratelimit

import "time"

// Clock is the time source used by the limiters. Tests substitute a manual
// clock to make refills deterministic.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
