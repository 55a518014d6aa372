package waiter

import "sync"

// Signal is a broadcast notification. Every Broadcast closes the channel
// handed out by C and installs a fresh one. The zero value is ready to use.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// C returns the channel closed by the next Broadcast.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

// Broadcast wakes everyone holding a channel from C.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
	}
	s.ch = make(chan struct{})
}

// Fuse is a one-shot failure latch. The first Trip records its cause and
// closes Done. The zero value is ready to use.
type Fuse struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
}

// Trip blows the fuse. It reports whether this call was the one that blew it.
func (f *Fuse) Trip(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		f.done = make(chan struct{})
	}
	select {
	case <-f.done:
		return false
	default:
	}
	if err == nil {
		err = ErrClosed
	}
	f.err = err
	close(f.done)
	return true
}

// Done is closed once the fuse has blown.
func (f *Fuse) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		f.done = make(chan struct{})
	}
	return f.done
}

// Blown reports whether Trip has been called.
func (f *Fuse) Blown() bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

// Err returns the cause passed to the first Trip, or nil.
func (f *Fuse) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Gate is a Socket whose readiness is driven by a Signal in each direction
// and whose failure is driven by a Fuse. Nil fields never fire.
type Gate struct {
	Readable *Signal
	Writable *Signal
	Fuse     *Fuse
}

// Ready implements Socket.
func (g Gate) Ready(dir Direction) <-chan struct{} {
	switch {
	case dir&Read != 0 && g.Readable != nil:
		return g.Readable.C()
	case dir&Write != 0 && g.Writable != nil:
		return g.Writable.C()
	}
	return nil
}

// Done implements Socket.
func (g Gate) Done() <-chan struct{} {
	if g.Fuse == nil {
		return nil
	}
	return g.Fuse.Done()
}

// Err implements Socket.
func (g Gate) Err() error {
	if g.Fuse == nil {
		return nil
	}
	return g.Fuse.Err()
}
