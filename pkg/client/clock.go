package client

import "time"

// Timer is a cancelable scheduled callback
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests swap in a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
