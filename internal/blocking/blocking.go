// Package blocking maps socket timeouts onto channel waits and polling
// loops for NIC implementations.
package blocking

import (
	"time"

	"github.com/soypat/netsock"
)

// Deadline is the point at which a blocking operation started under a
// socket timeout gives up.
type Deadline struct {
	t     netsock.Timeout
	until time.Time
}

// Start returns the deadline of an operation starting now under timeout t.
func Start(t netsock.Timeout) Deadline {
	d := Deadline{t: t}
	if dur, ok := t.Duration(); ok {
		d.until = time.Now().Add(dur)
	}
	return d
}

// Timeout returns the timeout the deadline was started with.
func (d Deadline) Timeout() netsock.Timeout { return d.t }

// Time returns the absolute deadline: the zero time when blocking and a
// time in the past when non-blocking.
func (d Deadline) Time() time.Time {
	switch {
	case d.t.IsBlocking():
		return time.Time{}
	case d.t.IsNonBlocking():
		return time.Unix(1, 0)
	}
	return d.until
}

// Remaining returns the time left before the deadline and false when the
// operation blocks indefinitely.
func (d Deadline) Remaining() (time.Duration, bool) {
	if d.t.IsBlocking() {
		return 0, false
	}
	if d.t.IsNonBlocking() {
		return 0, true
	}
	return max(time.Until(d.until), 0), true
}

// Expired reports whether waiting must stop.
func (d Deadline) Expired() bool {
	left, bounded := d.Remaining()
	return bounded && left <= 0
}

// Err is the error an operation reports when its deadline expires: EAGAIN
// for non-blocking sockets and ETIMEDOUT for finite timeouts.
func (d Deadline) Err() error {
	if d.t.IsNonBlocking() {
		return netsock.EAGAIN
	}
	return netsock.ETIMEDOUT
}

// Wait receives from ch within the deadline. ok is false if ch was closed.
func Wait[T any](d Deadline, ch <-chan T) (v T, ok bool, err error) {
	select {
	case v, ok = <-ch:
		return v, ok, nil
	default:
	}
	left, bounded := d.Remaining()
	if !bounded {
		v, ok = <-ch
		return v, ok, nil
	}
	if left <= 0 {
		return v, false, d.Err()
	}
	timer := time.NewTimer(left)
	defer timer.Stop()
	select {
	case v, ok = <-ch:
		return v, ok, nil
	case <-timer.C:
		return v, false, d.Err()
	}
}

// PollUntil calls cond until it reports done, sleeping between attempts
// with exponential backoff from minSleep up to maxSleep. It gives up with
// [Deadline.Err] once the deadline expires.
func PollUntil(d Deadline, minSleep, maxSleep time.Duration, cond func() (done bool, err error)) error {
	sleep := minSleep
	for {
		done, err := cond()
		if err != nil || done {
			return err
		}
		left, bounded := d.Remaining()
		if bounded && left <= 0 {
			return d.Err()
		}
		wait := sleep
		if bounded {
			wait = min(wait, left)
		}
		time.Sleep(wait)
		sleep = min(2*sleep, maxSleep)
	}
}
