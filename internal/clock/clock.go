// Package clock abstracts timer scheduling so debounce, backoff, and
// deadline logic can be unit-tested against a deterministic fake instead of
// wall-clock waits.
package clock

import "time"

// Timer mirrors the subset of time.Timer the runtime needs.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Clock is the scheduling interface shared by all timer-driven components.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Sleep(d time.Duration)
}

// System returns the wall-clock implementation.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
