// Package clock provides the time source and one-shot timer facility used
// by every time-bounded transition (confirm expiry, question deadlines,
// inter-question delays, post-match cleanup).
package clock

import (
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback. Cancel is idempotent and
// reports whether it prevented the callback from running.
type Timer interface {
	Cancel() bool
}

// Clock abstracts time for the core so tests can shrink delays without
// touching game logic.
type Clock interface {
	Now() time.Time
	Schedule(d time.Duration, fn func()) Timer
}

type systemClock struct{}

// System returns the wall-clock backed implementation.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Schedule(d time.Duration, fn func()) Timer {
	t := &systemTimer{}
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return
		}
		t.fired = true
		t.mu.Unlock()
		fn()
	})
	return t
}

type systemTimer struct {
	mu        sync.Mutex
	t         *time.Timer
	cancelled bool
	fired     bool
}

func (t *systemTimer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	t.t.Stop()
	return true
}
