package client

import "time"

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay. Sessions take one so that
// debounce and expiry windows can be driven by a fake clock.
type Scheduler interface {
	AfterFunc(delay time.Duration, fn func()) Timer
}

type wallScheduler struct{}

// NewWallScheduler returns a Scheduler backed by time.AfterFunc.
func NewWallScheduler() Scheduler {
	return wallScheduler{}
}

func (wallScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}
