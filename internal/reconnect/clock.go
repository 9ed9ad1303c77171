package reconnect

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests replace it with a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type RealClock struct{}

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
