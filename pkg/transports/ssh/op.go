package ssh

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/sshlink/pkg/transports/waiter"
)

// errBusy marks a timeout spent waiting for the protocol lock rather than
// for the remote side.
var errBusy = errors.New("session busy")

// protoLock serializes protocol calls. Unlike sync.Mutex, acquisition is
// bounded by a deadline.
type protoLock struct {
	mu       sync.Mutex
	held     bool
	released waiter.Signal
}

func (p *protoLock) tryLock() (struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held {
		return struct{}{}, waiter.Block(waiter.Write)
	}
	p.held = true
	return struct{}{}, nil
}

func (p *protoLock) unlock() {
	p.mu.Lock()
	p.held = false
	p.mu.Unlock()
	p.released.Broadcast()
}

// acquire waits for the lock until deadline or until fuse blows. A nil fuse
// never blows.
func (p *protoLock) acquire(fuse *waiter.Fuse, deadline time.Time) error {
	_, err := waiter.Do(waiter.Gate{Writable: &p.released, Fuse: fuse}, deadline, p.tryLock)
	return err
}

// pendingCall is a blocking call running on its own goroutine. If the
// waiting caller gives up first, the result is handed to cleanup instead.
type pendingCall[T any] struct {
	mu        sync.Mutex
	finished  bool
	abandoned bool
	val       T
	err       error
	done      waiter.Signal
	cleanup   func(T)
}

func (c *pendingCall[T]) complete(v T, err error) {
	c.mu.Lock()
	if c.abandoned {
		c.mu.Unlock()
		if err == nil && c.cleanup != nil {
			c.cleanup(v)
		}
		return
	}
	c.finished = true
	c.val, c.err = v, err
	c.mu.Unlock()
	c.done.Broadcast()
}

func (c *pendingCall[T]) poll() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		var zero T
		return zero, waiter.Block(waiter.Read)
	}
	return c.val, c.err
}

// abandon reports false if the call finished in the meantime, in which case
// its result is still valid.
func (c *pendingCall[T]) abandon() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.abandoned = true
	return true
}

// await runs fn on its own goroutine and waits for it through the waiter.
// On timeout it returns waiter.ErrTimedOut; on a blown fuse, the fuse cause.
func await[T any](fuse *waiter.Fuse, deadline time.Time, fn func() (T, error), cleanup func(T)) (T, error) {
	call := &pendingCall[T]{cleanup: cleanup}
	go func() {
		v, err := fn()
		call.complete(v, err)
	}()

	v, err := waiter.Do(waiter.Gate{Readable: &call.done, Fuse: fuse}, deadline, call.poll)
	if err == nil {
		return v, nil
	}
	if !call.abandon() {
		// fn finished; err is its own.
		return call.poll()
	}
	return v, err
}

// invoke runs one protocol call on link l under the session's protocol lock.
// Lock contention and slow replies both surface as TimeoutError; a transport
// that died underneath surfaces as StateError. Other errors are returned
// untouched for the caller to classify.
func invoke[T any](s *Session, l *link, op string, deadline time.Time, fn func() (T, error)) (T, error) {
	return invokeWithCleanup(s, l, op, deadline, fn, nil)
}

func invokeWithCleanup[T any](s *Session, l *link, op string, deadline time.Time, fn func() (T, error), cleanup func(T)) (T, error) {
	var zero T
	start := time.Now()

	if l.fuse.Blown() {
		return zero, s.finish(op, start, newStateError(op, deadLinkCause(l)))
	}

	if err := s.proto.acquire(&l.fuse, deadline); err != nil {
		if errors.Is(err, waiter.ErrTimedOut) {
			return zero, s.finish(op, start, newTimeoutError(op, errBusy))
		}
		return zero, s.finish(op, start, newStateError(op, deadLinkCause(l)))
	}

	v, err := await(&l.fuse, deadline, func() (T, error) {
		defer s.proto.unlock()
		return fn()
	}, cleanup)

	switch {
	case err == nil:
		return v, s.finish(op, start, nil)
	case errors.Is(err, waiter.ErrTimedOut):
		return zero, s.finish(op, start, newTimeoutError(op, fmt.Errorf("no reply before deadline")))
	case l.fuse.Blown():
		return zero, s.finish(op, start, newStateError(op, deadLinkCause(l)))
	default:
		return v, s.finish(op, start, err)
	}
}

func deadLinkCause(l *link) error {
	if cause := l.fuse.Err(); cause != nil && !errors.Is(cause, errSessionClosed) {
		return fmt.Errorf("%w: %v", errSessionDead, cause)
	}
	return errSessionClosed
}
