package ssh

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/sshlink/pkg/transports/waiter"
)

// ChannelState is the lifecycle position of a Channel.
type ChannelState int32

const (
	// ChannelOpened is a channel with no exec, shell or subsystem request yet.
	ChannelOpened ChannelState = iota

	// ChannelRequested is a channel waiting for the reply to its request.
	ChannelRequested

	// ChannelActive is a running command or shell.
	ChannelActive

	// ChannelEOFSent means we will write no more data.
	ChannelEOFSent

	// ChannelEOFReceived means the remote side will write no more data.
	ChannelEOFReceived

	// ChannelClosed is a closed channel.
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpened:
		return "opened"
	case ChannelRequested:
		return "requested"
	case ChannelActive:
		return "active"
	case ChannelEOFSent:
		return "eof-sent"
	case ChannelEOFReceived:
		return "eof-received"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	kindChannel = "channel"
	kindSftp    = "sftp"

	// closeGrace bounds the wait for the remote close when the remote side
	// has not signalled EOF yet.
	closeGrace = time.Second
)

// Wire payloads for channel requests (RFC 4254 section 6).
type execRequest struct {
	Command string
}

type subsystemRequest struct {
	Name string
}

type ptyRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// Channel is one multiplexed stream of a Session: a command, a shell or an
// SCP transfer. Its methods are safe for concurrent use, though reads on the
// same stream from several goroutines interleave arbitrarily.
type Channel struct {
	session *Session
	link    *link
	ch      ssh.Channel
	id      uint64

	mu           sync.Mutex
	state        ChannelState
	command      string
	eofSent      bool
	eofReceived  bool
	closing      bool
	closed       bool
	remoteClosed bool
	exitStatus   int
	exitSignal   string
	exitReceived bool
	statusSig    waiter.Signal

	stdout *stream
	stderr *stream

	// One data chunk is in flight at a time; a timed-out write leaves it
	// running and the next write waits for it.
	wmu      sync.Mutex
	writing  bool
	writeErr error
	writable waiter.Signal

	scp *scpState
}

// OpenChannel opens a session channel in the Opened state. Use Exec, Shell
// or RequestPty on it next.
func (s *Session) OpenChannel(timeout time.Duration) (*Channel, error) {
	return s.openChannel(s.defaultDeadline(timeout))
}

type openedChannel struct {
	ch   ssh.Channel
	reqs <-chan *ssh.Request
}

func (s *Session) openChannel(deadline time.Time) (*Channel, error) {
	const op = "channel.open"
	l, err := s.live(op)
	if err != nil {
		return nil, err
	}

	o, err := invokeWithCleanup(s, l, op, deadline, func() (openedChannel, error) {
		ch, reqs, err := l.client.OpenChannel("session", nil)
		return openedChannel{ch: ch, reqs: reqs}, err
	}, func(o openedChannel) {
		_ = o.ch.Close()
	})
	if err != nil {
		return nil, channelError(op, err)
	}

	c := &Channel{
		session:    s,
		link:       l,
		ch:         o.ch,
		state:      ChannelOpened,
		exitStatus: -1,
		stdout:     newStream(),
		stderr:     newStream(),
	}

	id, err := l.children.register(c)
	if err != nil {
		_ = o.ch.Close()
		return nil, newStateError(op, err)
	}
	c.id = id

	go c.stdout.pump(o.ch, c.onRemoteEOF)
	go c.stderr.pump(o.ch.Stderr(), nil)
	go c.handleRequests(o.reqs)

	return c, nil
}

// Exec opens a channel and starts cmd on it.
func (s *Session) Exec(cmd string, timeout time.Duration) (*Channel, error) {
	deadline := s.defaultDeadline(timeout)
	c, err := s.openChannel(deadline)
	if err != nil {
		return nil, err
	}
	if err := c.exec(cmd, deadline); err != nil {
		_ = c.closeChild(time.Now().Add(closeGrace))
		return nil, err
	}
	return c, nil
}

// Shell opens a channel and starts a login shell. A non-empty term requests
// a pseudo-terminal first.
func (s *Session) Shell(term string, timeout time.Duration) (*Channel, error) {
	deadline := s.defaultDeadline(timeout)
	c, err := s.openChannel(deadline)
	if err != nil {
		return nil, err
	}
	if term != "" {
		if err := c.requestPty(term, 80, 40, deadline); err != nil {
			_ = c.closeChild(time.Now().Add(closeGrace))
			return nil, err
		}
	}
	if err := c.shell(deadline); err != nil {
		_ = c.closeChild(time.Now().Add(closeGrace))
		return nil, err
	}
	return c, nil
}

// RequestPty asks for a pseudo-terminal of type term. It is only valid
// before Exec or Shell.
func (c *Channel) RequestPty(term string, timeout time.Duration) error {
	return c.requestPty(term, 80, 40, c.session.defaultDeadline(timeout))
}

func (c *Channel) requestPty(term string, cols, rows uint32, deadline time.Time) error {
	const op = "channel.pty"
	if err := c.expect(op, ChannelOpened); err != nil {
		return err
	}
	payload := ssh.Marshal(&ptyRequest{
		Term:    term,
		Columns: cols,
		Rows:    rows,
		// Empty mode list: a lone TTY_OP_END.
		Modelist: string([]byte{0}),
	})
	return c.request(op, "pty-req", payload, deadline, false)
}

// Exec starts cmd on an opened channel.
func (c *Channel) Exec(cmd string, timeout time.Duration) error {
	return c.exec(cmd, c.session.defaultDeadline(timeout))
}

func (c *Channel) exec(cmd string, deadline time.Time) error {
	const op = "channel.exec"
	if err := c.expect(op, ChannelOpened); err != nil {
		return err
	}
	c.mu.Lock()
	c.command = cmd
	c.mu.Unlock()
	return c.request(op, "exec", ssh.Marshal(&execRequest{Command: cmd}), deadline, true)
}

// Shell starts a login shell on an opened channel.
func (c *Channel) Shell(timeout time.Duration) error {
	return c.shell(c.session.defaultDeadline(timeout))
}

func (c *Channel) shell(deadline time.Time) error {
	const op = "channel.shell"
	if err := c.expect(op, ChannelOpened); err != nil {
		return err
	}
	return c.request(op, "shell", nil, deadline, true)
}

// Subsystem opens a channel and starts the named subsystem on it.
func (s *Session) Subsystem(name string, timeout time.Duration) (*Channel, error) {
	deadline := s.defaultDeadline(timeout)
	c, err := s.openChannel(deadline)
	if err != nil {
		return nil, err
	}
	if err := c.subsystem(name, deadline); err != nil {
		_ = c.closeChild(time.Now().Add(closeGrace))
		return nil, err
	}
	return c, nil
}

// subsystem starts a named subsystem on an opened channel.
func (c *Channel) subsystem(name string, deadline time.Time) error {
	const op = "channel.subsystem"
	if err := c.expect(op, ChannelOpened); err != nil {
		return err
	}
	return c.request(op, "subsystem", ssh.Marshal(&subsystemRequest{Name: name}), deadline, true)
}

// request sends a channel request and waits for the reply. Starting
// requests move the channel through Requested to Active.
func (c *Channel) request(op, name string, payload []byte, deadline time.Time, starts bool) error {
	if starts {
		c.setState(ChannelRequested)
	}
	ok, err := invoke(c.session, c.link, op, deadline, func() (bool, error) {
		return c.ch.SendRequest(name, true, payload)
	})
	if err != nil {
		if starts {
			c.setState(ChannelOpened)
		}
		return channelError(op, err)
	}
	if !ok {
		if starts {
			c.setState(ChannelOpened)
		}
		return newProtocolError(op, CodeFailure, fmt.Errorf("server refused %q request", name))
	}
	if starts {
		c.mu.Lock()
		if !c.closed {
			c.state = ChannelActive
			if c.eofReceived {
				c.state = ChannelEOFReceived
			}
		}
		c.mu.Unlock()
	}
	return nil
}

// handleRequests records exit status and signals until the remote side
// closes the channel.
func (c *Channel) handleRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "exit-status":
			var msg exitStatusMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				c.mu.Lock()
				c.exitStatus = int(msg.Status)
				c.exitReceived = true
				c.mu.Unlock()
			}
		case "exit-signal":
			var msg exitSignalMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				c.mu.Lock()
				c.exitSignal = msg.Signal
				c.exitReceived = true
				c.mu.Unlock()
			}
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		c.statusSig.Broadcast()
	}

	c.mu.Lock()
	c.remoteClosed = true
	c.mu.Unlock()
	c.statusSig.Broadcast()
}

func (c *Channel) onRemoteEOF() {
	c.mu.Lock()
	c.eofReceived = true
	if !c.closed && c.state >= ChannelActive {
		c.state = ChannelEOFReceived
	}
	c.mu.Unlock()
	c.statusSig.Broadcast()
}

func (c *Channel) setState(state ChannelState) {
	c.mu.Lock()
	if !c.closed {
		c.state = state
	}
	c.mu.Unlock()
}

// State returns the most recent lifecycle transition. EOFSent and
// EOFReceived report whichever happened last; EOFSent and EOFReceived
// methods report each side individually.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EOFSent reports whether SendEOF has completed.
func (c *Channel) EOFSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eofSent
}

// EOFReceived reports whether the remote side has finished sending.
func (c *Channel) EOFReceived() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eofReceived
}

// usable fails with StateError once the channel or its connection is gone.
func (c *Channel) usable(op string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return newStateError(op, errHandleClosed)
	}
	if c.link.fuse.Blown() {
		return newStateError(op, errParentGone)
	}
	return nil
}

func (c *Channel) expect(op string, want ChannelState) error {
	if err := c.usable(op); err != nil {
		return err
	}
	if got := c.State(); got != want {
		return newStateError(op, fmt.Errorf("channel is %s, want %s", got, want))
	}
	return nil
}

func (c *Channel) gate(st *stream) waiter.Gate {
	return waiter.Gate{Readable: &st.readable, Writable: &c.writable, Fuse: &c.link.fuse}
}

// waitError maps a waiter failure to the public taxonomy.
func (c *Channel) waitError(op string, err error) error {
	var te *TransportError
	switch {
	case errors.As(err, &te):
		return err
	case errors.Is(err, waiter.ErrTimedOut):
		return newTimeoutError(op, err)
	case c.link.fuse.Blown():
		return newStateError(op, errParentGone)
	}
	return err
}

// Read returns between 1 and size bytes of standard output, blocking until
// data arrives, the stream ends or timeout elapses. A size of 0 or less
// reads everything up to end of stream. At end of stream with nothing left
// Read returns io.EOF, except in read-all mode where it returns what it
// collected and a nil error. On timeout it returns the bytes collected so
// far together with a TimeoutError; the channel stays usable.
func (c *Channel) Read(size int, timeout time.Duration) ([]byte, error) {
	return c.read(c.stdout, "channel.read", size, c.session.defaultDeadline(timeout))
}

// ReadStderr is Read on the extended-data stream.
func (c *Channel) ReadStderr(size int, timeout time.Duration) ([]byte, error) {
	return c.read(c.stderr, "channel.read_stderr", size, c.session.defaultDeadline(timeout))
}

func (c *Channel) read(st *stream, op string, size int, deadline time.Time) ([]byte, error) {
	if err := c.usable(op); err != nil {
		return nil, err
	}

	var acc []byte
	_, err := waiter.Do(c.gate(st), deadline, func() (struct{}, error) {
		if err := c.usable(op); err != nil {
			return struct{}{}, err
		}
		want := size
		if size > 0 {
			want = size - len(acc)
		}
		data, eof, serr := st.take(want)
		acc = append(acc, data...)
		switch {
		case serr != nil:
			return struct{}{}, serr
		case size > 0 && len(acc) > 0:
			return struct{}{}, nil
		case eof && size > 0:
			return struct{}{}, io.EOF
		case eof:
			return struct{}{}, nil
		}
		return struct{}{}, waiter.Block(waiter.Read)
	})
	if err != nil && !errors.Is(err, io.EOF) {
		err = c.waitError(op, err)
	}
	c.session.metrics.RecordBytes("in", int64(len(acc)))
	return acc, err
}

// ReadBlock reads exactly n bytes of standard output. If the stream ends
// first it returns the partial data and io.ErrUnexpectedEOF.
func (c *Channel) ReadBlock(n int, timeout time.Duration) ([]byte, error) {
	const op = "channel.read_block"
	if err := c.usable(op); err != nil {
		return nil, err
	}
	deadline := c.session.defaultDeadline(timeout)

	acc := make([]byte, 0, n)
	_, err := waiter.Do(c.gate(c.stdout), deadline, func() (struct{}, error) {
		if err := c.usable(op); err != nil {
			return struct{}{}, err
		}
		data, eof, serr := c.stdout.take(n - len(acc))
		acc = append(acc, data...)
		switch {
		case len(acc) == n:
			return struct{}{}, nil
		case serr != nil:
			return struct{}{}, serr
		case eof:
			return struct{}{}, io.ErrUnexpectedEOF
		}
		return struct{}{}, waiter.Block(waiter.Read)
	})
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		err = c.waitError(op, err)
	}
	c.session.metrics.RecordBytes("in", int64(len(acc)))
	return acc, err
}

// readLine reads one '\n'-terminated line of standard output, ignoring any
// read limit.
func (c *Channel) readLine(op string, deadline time.Time) ([]byte, error) {
	line, err := waiter.Do(c.gate(c.stdout), deadline, func() ([]byte, error) {
		if err := c.usable(op); err != nil {
			return nil, err
		}
		line, eof, serr := c.stdout.takeLine()
		switch {
		case line != nil:
			return line, nil
		case serr != nil:
			return nil, serr
		case eof:
			return nil, io.ErrUnexpectedEOF
		}
		return nil, waiter.Block(waiter.Read)
	})
	if err != nil {
		return nil, c.waitError(op, err)
	}
	return line, nil
}

// Write sends data, chunk by chunk, until all of it is accepted or timeout
// elapses. It returns the number of bytes committed to the channel. On
// timeout the error is a TimeoutError and the channel stays usable: the
// caller may retry with data[n:].
func (c *Channel) Write(data []byte, timeout time.Duration) (int, error) {
	const op = "channel.write"
	deadline := c.session.defaultDeadline(timeout)

	if c.scp != nil {
		if err := c.scp.admit(op, len(data)); err != nil {
			return 0, err
		}
	}
	n, err := c.write(op, data, deadline)
	if c.scp != nil {
		c.scp.commit(n)
	}
	return n, err
}

func (c *Channel) write(op string, data []byte, deadline time.Time) (int, error) {
	if err := c.usable(op); err != nil {
		return 0, err
	}
	c.mu.Lock()
	eofSent := c.eofSent
	c.mu.Unlock()
	if eofSent {
		return 0, newStateError(op, errEOFAlreadySent)
	}

	written := 0
	for written < len(data) {
		if err := c.claimWriter(op, deadline); err != nil {
			return written, err
		}

		n := len(data) - written
		if n > chunkSize {
			n = chunkSize
		}
		chunk := append([]byte(nil), data[written:written+n]...)
		go c.writeChunk(chunk)
		written += n

		if err := c.awaitWriter(op, deadline); err != nil {
			if IsTimeout(err) {
				// The chunk is still in flight and will be delivered.
				return written, err
			}
			return written - n, err
		}
	}

	c.session.metrics.RecordBytes("out", int64(written))
	return written, nil
}

// writeChunk runs outside the protocol lock. x/crypto/ssh serializes
// packets per channel and on the transport, and a data write can block on
// the peer's window for as long as the peer does not read; holding the lock
// there would stall every other call on the session.
func (c *Channel) writeChunk(chunk []byte) {
	_, err := c.ch.Write(chunk)
	c.wmu.Lock()
	c.writing = false
	if err != nil && c.writeErr == nil {
		c.writeErr = err
	}
	c.wmu.Unlock()
	c.writable.Broadcast()
}

// claimWriter waits for the in-flight chunk, if any, and takes the slot.
func (c *Channel) claimWriter(op string, deadline time.Time) error {
	_, err := waiter.Do(c.gate(c.stdout), deadline, func() (struct{}, error) {
		if err := c.usable(op); err != nil {
			return struct{}{}, err
		}
		c.wmu.Lock()
		defer c.wmu.Unlock()
		if c.writing {
			return struct{}{}, waiter.Block(waiter.Write)
		}
		if c.writeErr != nil {
			return struct{}{}, channelError(op, c.writeErr)
		}
		c.writing = true
		return struct{}{}, nil
	})
	if err != nil {
		return c.waitError(op, err)
	}
	return nil
}

// awaitWriter waits for the in-flight chunk without taking the slot.
func (c *Channel) awaitWriter(op string, deadline time.Time) error {
	_, err := waiter.Do(c.gate(c.stdout), deadline, func() (struct{}, error) {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		if c.writing {
			return struct{}{}, waiter.Block(waiter.Write)
		}
		if c.writeErr != nil {
			return struct{}{}, channelError(op, c.writeErr)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return c.waitError(op, err)
	}
	return nil
}

func (c *Channel) releaseWriter() {
	c.wmu.Lock()
	c.writing = false
	c.wmu.Unlock()
	c.writable.Broadcast()
}

// SendEOF tells the remote side no more data will follow. Pending writes
// are flushed first. Sending EOF twice is a no-op.
func (c *Channel) SendEOF() error {
	return c.sendEOF(c.session.defaultDeadline(0))
}

func (c *Channel) sendEOF(deadline time.Time) error {
	const op = "channel.eof"
	if err := c.usable(op); err != nil {
		return err
	}
	c.mu.Lock()
	already := c.eofSent
	c.mu.Unlock()
	if already {
		return nil
	}

	if c.scp != nil {
		if err := c.scp.finishPut(c, deadline); err != nil {
			return err
		}
	}

	if err := c.claimWriter(op, deadline); err != nil {
		return err
	}
	_, err := invoke(c.session, c.link, op, deadline, func() (struct{}, error) {
		return struct{}{}, c.ch.CloseWrite()
	})
	c.releaseWriter()
	if err != nil {
		return channelError(op, err)
	}

	c.mu.Lock()
	c.eofSent = true
	if !c.closed {
		c.state = ChannelEOFSent
	}
	c.mu.Unlock()
	return nil
}

// Close sends EOF if needed, waits briefly for the remote side to finish so
// the exit status can be collected, and closes the channel.
func (c *Channel) Close() error {
	return c.closeChild(c.session.defaultDeadline(0))
}

func (c *Channel) kind() string { return kindChannel }

func (c *Channel) closeChild(deadline time.Time) error {
	const op = "channel.close"

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	var err error
	if !c.link.fuse.Blown() {
		err = c.shutdown(op, deadline)
	}
	c.stdout.discard()
	c.stderr.discard()

	c.mu.Lock()
	c.closed = true
	c.state = ChannelClosed
	c.mu.Unlock()
	c.link.children.unregister(c.id)

	c.stdout.readable.Broadcast()
	c.stderr.readable.Broadcast()
	c.writable.Broadcast()
	c.statusSig.Broadcast()

	log.Debug().
		Str("session", c.session.id).
		Str("command", c.command).
		Int("exit_status", c.ExitStatus()).
		Msg("channel closed")
	return err
}

func (c *Channel) shutdown(op string, deadline time.Time) error {
	if c.scp != nil {
		c.scp.finishGet(c, deadline)
	}
	// Unread output must not hold the window shut while we wait for the
	// remote side to finish.
	c.stdout.discard()
	c.stderr.discard()

	if c.State() >= ChannelActive {
		if err := c.sendEOF(deadline); err != nil && !IsState(err) {
			log.Debug().Err(err).Str("session", c.session.id).Msg("sending EOF on close")
		}

		waitUntil := deadline
		if !c.EOFReceived() {
			if grace := time.Now().Add(closeGrace); grace.Before(waitUntil) {
				waitUntil = grace
			}
		}
		_, _ = waiter.Do(waiter.Gate{Readable: &c.statusSig, Fuse: &c.link.fuse}, waitUntil, func() (struct{}, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.remoteClosed {
				return struct{}{}, nil
			}
			return struct{}{}, waiter.Block(waiter.Read)
		})
	}

	_, err := invoke(c.session, c.link, op, deadline, func() (struct{}, error) {
		return struct{}{}, c.ch.Close()
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return channelError(op, err)
	}
	return nil
}

// ExitStatus returns the remote exit status. It is only defined after
// Close: before that it returns -1, or the status if the server already
// sent it. A command killed by a signal reports -1; see ExitSignal.
func (c *Channel) ExitStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitStatus
}

// ExitSignal returns the signal name that terminated the command, if any.
func (c *Channel) ExitSignal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitSignal
}

// channelError keeps TransportErrors and reports a closed channel as
// StateError.
func channelError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return newStateError(op, fmt.Errorf("channel closed by peer: %w", err))
	}
	return newProtocolError(op, CodeFailure, err)
}
