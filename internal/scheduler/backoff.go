package scheduler

import (
	"math"
	"math/rand"
	"time"
)

const (
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
)

// Backoff decides how long a task waits before its next attempt.
type Backoff struct {
	Strategy string
	Base     time.Duration
	Max      time.Duration
	Jitter   bool
}

// Delay returns the wait before retry number attempt (1 for the first retry).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var wait time.Duration
	switch b.Strategy {
	case StrategyFixed:
		wait = b.Base
	case StrategyLinear:
		wait = b.Base * time.Duration(attempt)
	default:
		exp := float64(b.Base) * math.Pow(2, float64(attempt-1))
		if exp >= math.MaxInt64 {
			wait = time.Duration(math.MaxInt64)
		} else {
			wait = time.Duration(exp)
		}
	}
	if b.Max > 0 && wait > b.Max {
		wait = b.Max
	}
	if b.Jitter && wait >= 2 {
		half := wait / 2
		wait = half + time.Duration(rand.Int63n(int64(half)))
	}
	return wait
}
