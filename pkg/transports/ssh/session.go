package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/sshlink/pkg/telemetry"
	"github.com/openfroyo/sshlink/pkg/transports/waiter"
)

// link is one connected generation of a Session: a socket, the protocol
// client riding on it and the children opened through it.
type link struct {
	gen           uint64
	fuse          waiter.Fuse
	conn          *trackedConn
	client        *ssh.Client
	children      *childRegistry
	connectedAt   time.Time
	methods       []string
	serverVersion string

	stopOnce      sync.Once
	stopKeepalive chan struct{}
	released      atomic.Bool
}

func (l *link) stop() {
	l.stopOnce.Do(func() { close(l.stopKeepalive) })
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics records session, operation and transfer metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTracer wraps every protocol call in a span.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// WithEvents publishes connect, loss and close events.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(s *Session) { s.events = ep }
}

// Session owns one socket and one authenticated protocol connection.
// It is safe for concurrent use.
type Session struct {
	config  *Config
	id      string
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	// proto serializes protocol calls; life serializes Connect and Disconnect.
	proto protoLock
	life  protoLock

	mu    sync.RWMutex
	state State
	link  *link
	gen   uint64
	sftp  *SftpSession
}

// NewSession creates an unconnected session.
func NewSession(config *Config, opts ...Option) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Session{
		config: config,
		id:     uuid.New().String(),
		state:  StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the session identifier used in logs and metrics.
func (s *Session) ID() string {
	return s.id
}

// Config returns the session configuration.
func (s *Session) Config() *Config {
	return s.config
}

// Connect dials, negotiates and authenticates within timeout. Calling it on
// a connected session is a no-op; calling it on a dead session reconnects.
func (s *Session) Connect(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.config.ConnectionTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)

	if err := s.life.acquire(nil, deadline); err != nil {
		return s.finish("connect", start, newTimeoutError("connect", errBusy))
	}
	defer s.life.unlock()

	s.mu.Lock()
	prev, old := s.state, s.link
	if prev == StateAuthenticated && old != nil && !old.fuse.Blown() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if old != nil {
		// Children of a lost connection are closed before it releases its socket.
		if err := s.teardown(old, deadline); err != nil {
			log.Debug().Err(err).Str("session", s.id).Msg("teardown of previous connection incomplete")
		}
	}

	if !s.config.HasCredentials() {
		err := newAuthError("connect", errNoCredentials)
		s.metrics.RecordConnect("auth_error")
		return s.finish("connect", start, err)
	}

	s.setState(StateAuthenticating, nil)

	l, err := s.dial(deadline)
	if err != nil {
		next := StateUnauthenticated
		if prev != StateUnauthenticated {
			next = StateDead
		}
		s.setState(next, nil)
		s.metrics.RecordConnect(string(errorKind(err)))
		log.Warn().Err(err).Str("host", s.config.Host).Int("port", s.config.Port).Msg("SSH connect failed")
		return s.finish("connect", start, err)
	}

	s.mu.Lock()
	s.gen++
	l.gen = s.gen
	s.link = l
	s.mu.Unlock()
	s.setState(StateAuthenticated, l)
	s.metrics.RecordConnect("success")
	_ = s.events.PublishSessionConnected(s.id, s.config.Address(), l.gen)

	go s.watch(l)
	if s.config.KeepAliveInterval > 0 {
		go s.keepAlive(l)
	}

	log.Info().
		Str("session", s.id).
		Str("host", s.config.Host).
		Int("port", s.config.Port).
		Str("user", s.config.User).
		Strs("methods", l.methods).
		Uint64("generation", l.gen).
		Dur("duration", time.Since(start)).
		Msg("SSH session established")

	return s.finish("connect", start, nil)
}

type handshake struct {
	conn  ssh.Conn
	chans <-chan ssh.NewChannel
	reqs  <-chan *ssh.Request
}

// dial opens the socket, then runs the handshake and authentication within
// the time left.
func (s *Session) dial(deadline time.Time) (*link, error) {
	address := s.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	trace := &authTrace{}
	clientConfig, closeAgent, err := s.config.buildClientConfig(trace)
	if err != nil {
		return nil, newAuthError("connect", err)
	}
	if closeAgent != nil {
		defer closeAgent()
	}
	clientConfig.Timeout = time.Until(deadline)

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if isNetTimeout(err) || ctx.Err() != nil {
			return nil, newTimeoutError("connect", err)
		}
		return nil, newConnectError("connect", err)
	}

	l := &link{
		children:      newChildRegistry(),
		stopKeepalive: make(chan struct{}),
	}
	tc := newTrackedConn(conn, &l.fuse)
	_ = conn.SetDeadline(deadline)

	hs, err := await(nil, deadline, func() (handshake, error) {
		c, chans, reqs, err := ssh.NewClientConn(tc, address, clientConfig)
		return handshake{conn: c, chans: chans, reqs: reqs}, err
	}, func(hs handshake) {
		_ = hs.conn.Close()
	})
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, waiter.ErrTimedOut) || isNetTimeout(err) || !time.Now().Before(deadline) {
			return nil, newTimeoutError("connect", err)
		}
		return nil, classifyHandshake(err)
	}
	_ = conn.SetDeadline(time.Time{})

	methods := trace.snapshot()
	l.conn = tc
	l.client = ssh.NewClient(hs.conn, hs.chans, hs.reqs)
	l.methods = methods
	l.serverVersion = string(hs.conn.ServerVersion())
	l.connectedAt = time.Now()
	return l, nil
}

func classifyHandshake(err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return newHandshakeError("connect", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return newAuthError("connect", err)
	}
	return newHandshakeError("connect", err)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// watch marks the session dead once the protocol connection ends.
func (s *Session) watch(l *link) {
	err := l.client.Wait()
	if err == nil {
		err = errSessionClosed
	}
	l.fuse.Trip(err)
	s.linkDown(l)
}

// linkDown moves the session to Dead if l is still its current connection.
func (s *Session) linkDown(l *link) {
	l.stop()
	s.mu.Lock()
	current := s.link == l && s.state == StateAuthenticated
	s.mu.Unlock()
	if !current {
		return
	}
	s.setState(StateDead, l)
	if cause := l.fuse.Err(); cause != nil && !errors.Is(cause, errSessionClosed) {
		log.Warn().Err(cause).Str("session", s.id).Str("host", s.config.Host).Msg("SSH transport lost")
		_ = s.events.PublishSessionLost(s.id, s.config.Address(), cause.Error())
	}
}

// fail kills l after a transport-level error and tears it down.
func (s *Session) fail(l *link, cause error) {
	l.fuse.Trip(cause)
	s.linkDown(l)
	deadline := time.Now().Add(s.config.disconnectTimeout())
	if err := s.teardown(l, deadline); err != nil {
		log.Debug().Err(err).Str("session", s.id).Msg("teardown after transport failure incomplete")
	}
}

func (s *Session) setState(next State, l *link) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev == next {
		return
	}
	if next == StateAuthenticated {
		s.metrics.SessionOpened()
	} else if prev == StateAuthenticated {
		s.metrics.SessionClosed()
	}
	ev := log.Debug().Str("session", s.id).Str("from", prev.String()).Str("to", next.String())
	if l != nil {
		ev = ev.Uint64("generation", l.gen)
	}
	ev.Msg("session state changed")
}

// live returns the current connection or a StateError.
func (s *Session) live(op string) (*link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.link == nil && s.state == StateDead:
		return nil, newStateError(op, errSessionClosed)
	case s.link == nil:
		return nil, newStateError(op, errNotConnected)
	case s.state != StateAuthenticated || s.link.fuse.Blown():
		return nil, newStateError(op, deadLinkCause(s.link))
	}
	return s.link, nil
}

// Disconnect closes every child, then the protocol connection and socket.
// It is idempotent.
func (s *Session) Disconnect(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.config.disconnectTimeout()
	}
	start := time.Now()
	deadline := start.Add(timeout)

	if err := s.life.acquire(nil, deadline); err != nil {
		return newTimeoutError("disconnect", errBusy)
	}
	defer s.life.unlock()

	s.mu.Lock()
	l := s.link
	s.link = nil
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	s.setState(StateDead, l)

	err := s.teardown(l, deadline)

	log.Info().
		Str("session", s.id).
		Str("host", s.config.Host).
		Dur("duration", time.Since(start)).
		Msg("SSH session closed")
	_ = s.events.PublishSessionClosed(s.id, s.config.Address())

	return s.finish("disconnect", start, err)
}

// teardown is the two-phase shutdown of l: children first, socket second.
func (s *Session) teardown(l *link, deadline time.Time) error {
	l.stop()
	err := l.children.closeAll(deadline)
	if rerr := s.release(l); rerr != nil {
		// A child outlived the deadline; release once it unregisters.
		go func() {
			<-l.children.drained
			_ = s.release(l)
		}()
		if err == nil {
			err = rerr
		}
	}
	return err
}

// release closes the protocol connection and its socket. It refuses while
// any child is still registered.
func (s *Session) release(l *link) error {
	if n := l.children.count(); n > 0 {
		return newStateError("release", fmt.Errorf("%w: %d", errChildrenOpen, n))
	}
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	l.fuse.Trip(errSessionClosed)
	if err := l.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Err(err).Str("session", s.id).Msg("closing SSH connection")
	}
	return nil
}

// IsAlive reports whether the session is authenticated and its transport has
// not failed. It never performs I/O.
func (s *Session) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateAuthenticated && s.link != nil && !s.link.fuse.Blown()
}

// State returns the authentication state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns details about the session and its current connection.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		ID:    s.id,
		Host:  s.config.Host,
		Port:  s.config.Port,
		User:  s.config.User,
		State: s.state,
	}
	if l := s.link; l != nil {
		alive := !l.fuse.Blown()
		info.Connected = alive
		info.Authenticated = alive && s.state == StateAuthenticated
		info.Methods = append([]string(nil), l.methods...)
		if n := len(l.methods); n > 0 {
			info.AuthMethod = l.methods[n-1]
		}
		info.ServerVersion = l.serverVersion
		info.Generation = l.gen
		info.OpenChildren = l.children.count()
		info.ConnectedAt = l.connectedAt
		info.LastActivity = l.conn.LastActivity()
	}
	return info
}

// Keepalive runs one keep-alive round. A round that fails at the transport
// level marks the session dead.
func (s *Session) Keepalive(timeout time.Duration) error {
	l, err := s.live("keepalive")
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = s.config.keepAliveTimeout()
	}
	return s.keepaliveRound(l, timeout)
}

func (s *Session) keepaliveRound(l *link, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	_, err := invoke(s, l, "keepalive", deadline, func() (bool, error) {
		// Any reply, including a refusal, proves the peer is alive.
		ok, _, err := l.client.SendRequest("keepalive@openssh.com", true, nil)
		return ok, err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, errBusy) {
		// The lock was held by another call; that is not a dead peer.
		log.Debug().Str("session", s.id).Msg("keep-alive skipped, session busy")
		return err
	}

	s.metrics.RecordKeepaliveFailure()
	log.Warn().Err(err).Str("session", s.id).Str("host", s.config.Host).Msg("keep-alive failed")
	s.fail(l, fmt.Errorf("keep-alive failed: %w", err))
	return err
}

// keepAlive sends periodic keep-alive rounds until l dies or is stopped.
func (s *Session) keepAlive(l *link) {
	ticker := time.NewTicker(s.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopKeepalive:
			return
		case <-l.fuse.Done():
			return
		case <-ticker.C:
			err := s.keepaliveRound(l, s.config.keepAliveTimeout())
			if err != nil && !errors.Is(err, errBusy) {
				return
			}
		}
	}
}

// finish records metrics and tracing for op and returns err unchanged.
func (s *Session) finish(op string, start time.Time, err error) error {
	duration := time.Since(start)
	result := "success"
	if err != nil {
		result = string(errorKind(err))
	}
	s.metrics.RecordOperation(op, result, duration)
	if s.tracer != nil {
		s.tracer.RecordOperation(s.id, op, s.config.Host, start, err)
	}
	return err
}

func errorKind(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return "error"
}

// defaultDeadline turns a per-call timeout into an absolute deadline.
func (s *Session) defaultDeadline(timeout time.Duration) time.Time {
	return time.Now().Add(s.config.commandTimeout(timeout))
}
