package ssh

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/openfroyo/sshlink/pkg/transports/waiter"
)

// trackedConn is the session's socket. It records the last time bytes moved
// and blows the owning link's fuse on the first hard I/O failure.
type trackedConn struct {
	net.Conn

	fuse         *waiter.Fuse
	lastActivity atomic.Int64
}

func newTrackedConn(c net.Conn, fuse *waiter.Fuse) *trackedConn {
	tc := &trackedConn{Conn: c, fuse: fuse}
	tc.touch()
	return tc
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.touch()
	}
	if err != nil {
		c.fail(err)
	}
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.touch()
	}
	if err != nil {
		c.fail(err)
	}
	return n, err
}

func (c *trackedConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *trackedConn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// fail ignores deadline expiry, which Connect uses to bound the handshake.
func (c *trackedConn) fail(err error) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return
	}
	c.fuse.Trip(err)
}
