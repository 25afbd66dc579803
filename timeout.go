package netsock

import (
	"math"
	"time"

	"golang.org/x/exp/constraints"
)

// Timeout is the blocking policy of a socket. Positive values are a finite
// timeout applied to each blocking operation.
type Timeout time.Duration

const (
	// Blocking waits indefinitely.
	Blocking Timeout = -1
	// NonBlocking fails with [ErrWouldBlock] when an operation cannot complete immediately.
	NonBlocking Timeout = 0
)

// TimeoutFromSeconds converts a seconds value as accepted by Python's
// settimeout. Negative values select [Blocking].
func TimeoutFromSeconds(s float64) Timeout {
	switch {
	case s < 0 || math.IsNaN(s):
		return Blocking
	case s == 0:
		return NonBlocking
	case s >= math.MaxInt64/float64(time.Second):
		return Timeout(math.MaxInt64)
	}
	t := Timeout(s * float64(time.Second))
	if t == 0 {
		// Sub-nanosecond timeouts still count as finite.
		t = 1
	}
	return t
}

// TimeoutMillis returns a finite timeout of ms milliseconds. Negative values select [Blocking].
func TimeoutMillis[T constraints.Integer](ms T) Timeout {
	if ms < 0 {
		return Blocking
	}
	return Timeout(time.Duration(ms) * time.Millisecond)
}

func (t Timeout) IsBlocking() bool    { return t < 0 }
func (t Timeout) IsNonBlocking() bool { return t == 0 }

// Duration returns the finite duration of t and false for blocking and non-blocking timeouts.
func (t Timeout) Duration() (time.Duration, bool) {
	return time.Duration(t), t > 0
}

// Millis returns the timeout in the integer millisecond convention of
// embedded socket drivers: -1 blocks, 0 does not block. Finite timeouts
// round up to at least one millisecond.
func (t Timeout) Millis() int64 {
	if t < 0 {
		return -1
	}
	return int64((time.Duration(t) + time.Millisecond - 1) / time.Millisecond)
}

// Deadline returns the absolute deadline for an operation started at now.
// Blocking timeouts return the zero time.
func (t Timeout) Deadline(now time.Time) time.Time {
	switch {
	case t < 0:
		return time.Time{}
	case t == 0:
		return now
	}
	return now.Add(time.Duration(t))
}

func (t Timeout) String() string {
	switch {
	case t < 0:
		return "blocking"
	case t == 0:
		return "non-blocking"
	}
	return time.Duration(t).String()
}
