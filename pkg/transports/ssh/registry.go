package ssh

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// child is a handle that must be closed before its session releases the
// socket.
type child interface {
	// closeChild closes the handle within deadline. It must leave the handle
	// unusable and unregistered even when the remote side does not answer.
	closeChild(deadline time.Time) error
	kind() string
}

// childRegistry tracks the live children of one link. Once sealed it
// refuses new registrations, and drained is closed when the last child
// unregisters.
type childRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	items   map[uint64]child
	sealed  bool
	drained chan struct{}
	empty   bool
}

func newChildRegistry() *childRegistry {
	return &childRegistry{
		items:   make(map[uint64]child),
		drained: make(chan struct{}),
	}
}

func (r *childRegistry) register(c child) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return 0, errSessionClosed
	}
	r.nextID++
	r.items[r.nextID] = c
	return r.nextID, nil
}

func (r *childRegistry) unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
	r.checkDrained()
}

// checkDrained closes drained once the registry is sealed and empty. The
// caller holds mu.
func (r *childRegistry) checkDrained() {
	if r.sealed && len(r.items) == 0 && !r.empty {
		r.empty = true
		close(r.drained)
	}
}

// waitDrained waits until every child has unregistered or deadline passes.
// It reports whether the registry drained.
func (r *childRegistry) waitDrained(deadline time.Time) bool {
	select {
	case <-r.drained:
		return true
	default:
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-r.drained:
		return true
	case <-timer.C:
		return false
	}
}

func (r *childRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// closeAll seals the registry and closes every child, SFTP first. Children
// unregister themselves as they close. A child already being closed by
// another goroutine is waited for until deadline.
func (r *childRegistry) closeAll(deadline time.Time) error {
	r.mu.Lock()
	r.sealed = true
	r.checkDrained()
	ids := make([]uint64, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ki, kj := r.items[ids[i]].kind(), r.items[ids[j]].kind()
		if ki != kj {
			return ki == kindSftp
		}
		return ids[i] < ids[j]
	})
	children := make([]child, len(ids))
	for i, id := range ids {
		children[i] = r.items[id]
	}
	r.mu.Unlock()

	var firstErr error
	for _, c := range children {
		if err := c.closeChild(deadline); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", c.kind(), err)
		}
	}
	r.waitDrained(deadline)
	return firstErr
}
