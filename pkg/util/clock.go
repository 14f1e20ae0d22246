package util

import "time"

// Clock is the time source of the exchange: order timestamps, pending
// deadlines and the expiry sweeper all read from it.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now().UTC() }
