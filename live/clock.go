package live

import (
	"time"
)

// reconnect backoff, pending expiry and buffer timeouts read time only through a clock
// so that tests can drive them without real delays
type Clock interface {
	Now() time.Time
	After(timeout time.Duration) <-chan time.Time
}

type systemClock struct{}

func SystemClock() Clock {
	return systemClock{}
}

func (self systemClock) Now() time.Time {
	return time.Now()
}

func (self systemClock) After(timeout time.Duration) <-chan time.Time {
	return time.After(timeout)
}
