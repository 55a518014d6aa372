// Package registry keeps named SSH sessions built from profiles and
// reconnects them on demand.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/sshlink/pkg/telemetry"
	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

// ErrUnknownProfile is returned for names that are not registered.
var ErrUnknownProfile = errors.New("unknown profile")

type entry struct {
	profile *Profile
	session *ssh.Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithSessionOptions passes opts to every session the registry creates.
func WithSessionOptions(opts ...ssh.Option) Option {
	return func(r *Registry) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// WithMetrics records the registry size and session metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithEvents publishes session events for registry sessions.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(r *Registry) { r.events = ep }
}

// WithBackoff sets the first and the largest delay between connect attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(r *Registry) {
		r.initialInterval = initial
		r.maxInterval = max
	}
}

// Registry maps profile names to sessions. It is safe for concurrent use.
type Registry struct {
	logger      zerolog.Logger
	sessionOpts []ssh.Option
	metrics     *telemetry.Metrics
	events      *telemetry.EventPublisher

	initialInterval time.Duration
	maxInterval     time.Duration
	reloadDelay     time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty registry.
func New(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:          logger.With().Str("component", "registry").Logger(),
		initialInterval: 500 * time.Millisecond,
		maxInterval:     10 * time.Second,
		reloadDelay:     500 * time.Millisecond,
		entries:         make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics != nil {
		r.sessionOpts = append(r.sessionOpts, ssh.WithMetrics(r.metrics))
	}
	if r.events != nil {
		r.sessionOpts = append(r.sessionOpts, ssh.WithEvents(r.events))
	}
	return r
}

// Register adds or replaces a profile. Replacing a profile with different
// connection settings disconnects the cached session.
func (r *Registry) Register(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	var stale *ssh.Session
	if e, ok := r.entries[p.Name]; ok {
		if e.profile.Config != p.Config {
			stale = e.session
			e.session = nil
		}
		e.profile = p
	} else {
		r.entries[p.Name] = &entry{profile: p}
	}
	count := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetRegisteredSessions(count)
	r.logger.Debug().Str("profile", p.Name).Str("host", p.Config.Address()).Msg("profile registered")

	if stale != nil {
		r.disconnect(p.Name, stale, p.Config.DisconnectTimeout)
	}
	return nil
}

// Remove drops a profile and disconnects its session.
func (r *Registry) Remove(name string, timeout time.Duration) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	count := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	r.metrics.SetRegisteredSessions(count)
	r.logger.Debug().Str("profile", name).Msg("profile removed")

	if e.session != nil {
		return e.session.Disconnect(timeout)
	}
	return nil
}

// Names returns the registered profile names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the profile registered under name.
func (r *Registry) Profile(name string) (*Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.profile, true
}

// Get returns the connected session for name. A session that was never
// connected, or whose connection died, is (re)connected with exponential
// backoff until timeout runs out. Authentication and host key failures are
// not retried.
func (r *Registry) Get(name string, timeout time.Duration) (*ssh.Session, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	if e.session == nil {
		config := e.profile.Config
		s, err := ssh.NewSession(&config, r.sessionOpts...)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		e.session = s
	}
	s := e.session
	r.mu.Unlock()

	if s.IsAlive() {
		return s, nil
	}
	if timeout <= 0 {
		timeout = s.Config().ConnectionTimeout
	}
	if err := r.connect(name, s, timeout); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Registry) connect(name string, s *ssh.Session, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = timeout

	attempt := 0
	var lastErr error
	operation := func() error {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr == nil {
				lastErr = fmt.Errorf("connect %s: no time left", name)
			}
			return backoff.Permanent(lastErr)
		}
		attempt++
		err := s.Connect(remaining)
		if err == nil {
			return nil
		}
		lastErr = err
		if permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("profile", name).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("connect failed, retrying")
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return fmt.Errorf("profile %s: %w", name, err)
	}

	r.logger.Info().Str("profile", name).Int("attempts", attempt).Msg("profile connected")
	return nil
}

// permanent reports connect failures that another attempt cannot fix.
func permanent(err error) bool {
	var keyErr *knownhosts.KeyError
	return ssh.IsAuth(err) || errors.As(err, &keyErr)
}

// CloseAll disconnects every cached session. Profiles stay registered.
func (r *Registry) CloseAll(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	r.mu.Lock()
	sessions := make(map[string]*ssh.Session, len(r.entries))
	for name, e := range r.entries {
		if e.session != nil {
			sessions[name] = e.session
			e.session = nil
		}
	}
	r.mu.Unlock()

	var errs []error
	for name, s := range sessions {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		if err := s.Disconnect(remaining); err != nil {
			errs = append(errs, fmt.Errorf("profile %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) disconnect(name string, s *ssh.Session, timeout time.Duration) {
	if err := s.Disconnect(timeout); err != nil {
		r.logger.Warn().Err(err).Str("profile", name).Msg("failed to disconnect replaced session")
	}
}
