// Package waiter turns "would block" results from lower layers into bounded
// waits on readiness notifications.
//
// A lower layer reports that it cannot make progress by returning a
// *WouldBlock error naming the direction it needs. Do retries the operation
// each time the matching readiness channel fires, until it succeeds, fails,
// the socket dies or the absolute deadline passes.
package waiter

import (
	"errors"
	"fmt"
	"time"
)

// Direction is the readiness a blocked operation is waiting for.
type Direction uint8

const (
	// Read means the operation needs inbound data.
	Read Direction = 1 << iota

	// Write means the operation needs outbound capacity.
	Write
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	case Read | Write:
		return "read|write"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Result is the outcome of a single Wait.
type Result int

const (
	// Ready means the socket signalled readiness for the requested direction.
	Ready Result = iota

	// TimedOut means the deadline passed first.
	TimedOut

	// SocketError means the socket failed permanently.
	SocketError
)

func (r Result) String() string {
	switch r {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed out"
	case SocketError:
		return "socket error"
	default:
		return "unknown"
	}
}

var (
	// ErrWouldBlock matches any *WouldBlock via errors.Is.
	ErrWouldBlock = errors.New("operation would block")

	// ErrTimedOut is returned by Do when the deadline passes.
	ErrTimedOut = errors.New("deadline exceeded")

	// ErrClosed is returned by Do when the socket died without a recorded cause.
	ErrClosed = errors.New("socket closed")
)

// WouldBlock reports that an operation needs readiness in Dir before it can
// make progress.
type WouldBlock struct {
	Dir Direction
}

func (e *WouldBlock) Error() string {
	return "would block on " + e.Dir.String()
}

// Is makes errors.Is(err, ErrWouldBlock) succeed.
func (e *WouldBlock) Is(target error) bool {
	return target == ErrWouldBlock
}

// Block returns a *WouldBlock for dir.
func Block(dir Direction) error {
	return &WouldBlock{Dir: dir}
}

// Socket is a source of readiness notifications.
//
// Ready returns a channel that is closed the next time the socket becomes
// ready in dir. A new channel must be returned after each notification.
// Done is closed once the socket has failed permanently; Err then reports why.
type Socket interface {
	Ready(dir Direction) <-chan struct{}
	Done() <-chan struct{}
	Err() error
}

// Wait blocks until s is ready in dir, s fails, or deadline passes. A zero
// deadline waits without a time limit.
func Wait(s Socket, dir Direction, deadline time.Time) Result {
	var rd, wr <-chan struct{}
	if dir&Read != 0 {
		rd = s.Ready(Read)
	}
	if dir&Write != 0 {
		wr = s.Ready(Write)
	}
	return wait(s, rd, wr, deadline)
}

func wait(s Socket, rd, wr <-chan struct{}, deadline time.Time) Result {
	select {
	case <-s.Done():
		return SocketError
	default:
	}

	var expired <-chan time.Time
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return TimedOut
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-rd:
		return Ready
	case <-wr:
		return Ready
	case <-s.Done():
		return SocketError
	case <-expired:
		return TimedOut
	}
}

// Do calls try until it returns something other than a *WouldBlock error.
//
// Readiness channels are sampled before every attempt, so a notification
// that fires between the attempt and the wait is never lost. The remaining
// time is derived from the absolute deadline on every retry. A zero deadline
// waits without a time limit.
func Do[T any](s Socket, deadline time.Time, try func() (T, error)) (T, error) {
	var zero T
	for {
		rd, wr := s.Ready(Read), s.Ready(Write)

		v, err := try()
		var wb *WouldBlock
		if !errors.As(err, &wb) {
			return v, err
		}

		if wb.Dir&Read == 0 {
			rd = nil
		}
		if wb.Dir&Write == 0 {
			wr = nil
		}

		switch wait(s, rd, wr, deadline) {
		case Ready:
			continue
		case TimedOut:
			return zero, ErrTimedOut
		default:
			if cause := s.Err(); cause != nil {
				return zero, cause
			}
			return zero, ErrClosed
		}
	}
}
