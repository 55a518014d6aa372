package waiter

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitTimesOutAgainstAbsoluteDeadline(t *testing.T) {
	var readable Signal
	gate := Gate{Readable: &readable, Fuse: &Fuse{}}

	start := time.Now()
	deadline := start.Add(50 * time.Millisecond)
	if got := Wait(gate, Read, deadline); got != TimedOut {
		t.Fatalf("expected TimedOut, got %v", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait overshot deadline: %v", elapsed)
	}

	// A deadline in the past must not block at all.
	if got := Wait(gate, Read, time.Now().Add(-time.Second)); got != TimedOut {
		t.Errorf("expected TimedOut for expired deadline, got %v", got)
	}
}

func TestWaitReadyAndSocketError(t *testing.T) {
	var readable, writable Signal
	fuse := &Fuse{}
	gate := Gate{Readable: &readable, Writable: &writable, Fuse: fuse}

	go func() {
		time.Sleep(10 * time.Millisecond)
		writable.Broadcast()
	}()
	if got := Wait(gate, Write, time.Now().Add(time.Second)); got != Ready {
		t.Fatalf("expected Ready, got %v", got)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		fuse.Trip(errors.New("reset by peer"))
	}()
	if got := Wait(gate, Read, time.Now().Add(time.Second)); got != SocketError {
		t.Fatalf("expected SocketError, got %v", got)
	}
	if fuse.Err() == nil || fuse.Err().Error() != "reset by peer" {
		t.Errorf("unexpected fuse error: %v", fuse.Err())
	}
}

func TestWaitOnlyWatchesRequestedDirection(t *testing.T) {
	var readable, writable Signal
	gate := Gate{Readable: &readable, Writable: &writable, Fuse: &Fuse{}}

	go func() {
		time.Sleep(10 * time.Millisecond)
		readable.Broadcast()
	}()
	if got := Wait(gate, Write, time.Now().Add(100*time.Millisecond)); got != TimedOut {
		t.Fatalf("read readiness must not wake a write wait, got %v", got)
	}
}

func TestDoRetriesUntilReady(t *testing.T) {
	var readable Signal
	gate := Gate{Readable: &readable, Fuse: &Fuse{}}

	var mu sync.Mutex
	var queue []int
	go func() {
		for i := 1; i <= 3; i++ {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			queue = append(queue, i)
			mu.Unlock()
			readable.Broadcast()
		}
	}()

	var attempts atomic.Int32
	sum := 0
	for sum < 6 {
		v, err := Do(gate, time.Now().Add(time.Second), func() (int, error) {
			attempts.Add(1)
			mu.Lock()
			defer mu.Unlock()
			if len(queue) == 0 {
				return 0, Block(Read)
			}
			v := queue[0]
			queue = queue[1:]
			return v, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sum += v
	}
	if attempts.Load() < 3 {
		t.Errorf("expected at least 3 attempts, got %d", attempts.Load())
	}
}

func TestDoPropagatesErrors(t *testing.T) {
	fuse := &Fuse{}
	gate := Gate{Readable: &Signal{}, Fuse: fuse}

	boom := errors.New("boom")
	if _, err := Do(gate, time.Now().Add(time.Second), func() (int, error) {
		return 0, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := Do(gate, time.Now().Add(20*time.Millisecond), func() (int, error) {
		return 0, Block(Read)
	}); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}

	fuse.Trip(nil)
	if _, err := Do(gate, time.Now().Add(time.Second), func() (int, error) {
		return 0, Block(Read)
	}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWouldBlockMatchesSentinel(t *testing.T) {
	err := Block(Read | Write)
	if !errors.Is(err, ErrWouldBlock) {
		t.Errorf("expected errors.Is to match ErrWouldBlock")
	}
	if err.Error() != "would block on read|write" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestFuseTripsOnce(t *testing.T) {
	var f Fuse
	if f.Blown() {
		t.Fatal("fresh fuse reported blown")
	}
	if !f.Trip(errors.New("first")) {
		t.Fatal("first trip should win")
	}
	if f.Trip(errors.New("second")) {
		t.Fatal("second trip should lose")
	}
	if f.Err().Error() != "first" {
		t.Errorf("expected first cause, got %v", f.Err())
	}
}
