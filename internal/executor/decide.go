package executor

import "time"

type State int

const (
	Attempting State = iota
	Succeeded
	Exhausted
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Decision is the transition taken after an attempt.
type Decision struct {
	State       State
	NextAttempt int           // set when State is Attempting
	Wait        time.Duration // backoff before NextAttempt
}

// Decide computes the next state of a firing after attempt n (1-based) ended
// with ok. It has no side effects.
func Decide(n, maxRetry int, ok bool, unit time.Duration) Decision {
	if ok {
		return Decision{State: Succeeded}
	}
	if n >= maxRetry {
		return Decision{State: Exhausted}
	}
	return Decision{State: Attempting, NextAttempt: n + 1, Wait: Backoff(n, unit)}
}

// maxBackoffShift keeps 2^n from overflowing time.Duration.
const maxBackoffShift = 20

// Backoff returns the wait after n failed attempts: 2^n units.
func Backoff(n int, unit time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > maxBackoffShift {
		n = maxBackoffShift
	}
	return unit * time.Duration(1<<n)
}
