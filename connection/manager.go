package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

var (
	// ErrConnect marks a connection that could not be established within the
	// configured number of attempts.
	ErrConnect = errors.New("connection failed")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection manager closed")
)

// ConnectError reports the endpoint and the last attempt failure. It matches
// both ErrConnect and the underlying cause with errors.Is.
type ConnectError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{ErrConnect, e.Err} }

// Observer receives connection attempt outcomes, typically for metrics.
type Observer interface {
	RecordConnectAttempt(endpoint string, err error)
}

// Connection is a pooled session lent to exactly one operation at a time.
type Connection struct {
	id        uint64
	key       string
	session   *Session
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	broken    bool
}

// Client returns the SFTP client of the borrowed session.
func (c *Connection) Client() *sftp.Client { return c.session.Client }

// Key returns the pool key the connection belongs to.
func (c *Connection) Key() string { return c.key }

// ID is unique per manager and only useful for logging.
func (c *Connection) ID() uint64 { return c.id }

// MarkBroken makes Release close the connection instead of pooling it.
func (c *Connection) MarkBroken() { c.broken = true }

type pool struct {
	idle  []*Connection
	inUse int
}

// PoolStats is a point-in-time view of one endpoint pool.
type PoolStats struct {
	Idle  int
	InUse int
}

// Manager owns pooled connections for any number of endpoints. A Manager is
// created and sized by the orchestrator and handed to adapters explicitly.
type Manager struct {
	dialer   Dialer
	secrets  Secrets
	observer Observer

	maxIdle     int
	maxAttempts int
	retryDelay  time.Duration
	idleTimeout time.Duration
	maxLifetime time.Duration
	now         func() time.Time

	mu     sync.Mutex
	pools  map[string]*pool
	nextID uint64
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxIdle caps idle connections kept per endpoint.
func WithMaxIdle(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxIdle = n
		}
	}
}

// WithRetry sets the attempt count and the fixed delay between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.maxAttempts = attempts
		}
		if delay >= 0 {
			m.retryDelay = delay
		}
	}
}

// WithIdleTimeout evicts connections idle for longer than d during Sweep.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithMaxLifetime retires connections older than d.
func WithMaxLifetime(d time.Duration) Option {
	return func(m *Manager) { m.maxLifetime = d }
}

// WithObserver reports every connection attempt.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a connection manager. secrets may be nil when every
// endpoint carries a literal password.
func NewManager(dialer Dialer, secrets Secrets, opts ...Option) *Manager {
	m := &Manager{
		dialer:      dialer,
		secrets:     secrets,
		maxIdle:     4,
		maxAttempts: 3,
		retryDelay:  2 * time.Second,
		idleTimeout: 5 * time.Minute,
		maxLifetime: 30 * time.Minute,
		now:         time.Now,
		pools:       make(map[string]*pool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire lends a live connection for ep, reusing an idle one when it passes
// a liveness check and dialing otherwise.
func (m *Manager) Acquire(ctx context.Context, ep Endpoint) (*Connection, error) {
	key := ep.Key()
	logger := zerolog.Ctx(ctx).With().Str("endpoint", key).Logger()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		p := m.poolFor(key)
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			conn.inUse = true
			p.inUse++
			m.mu.Unlock()

			if m.expired(conn) || !alive(conn.session) {
				logger.Debug().Uint64("conn", conn.id).Msg("evicting stale pooled connection")
				m.discard(conn)
				continue
			}
			conn.lastUsed = m.now()
			return conn, nil
		}
		p.inUse++
		m.mu.Unlock()
		break
	}

	session, err := m.connect(ctx, ep)
	if err != nil {
		m.mu.Lock()
		m.poolFor(key).inUse--
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.nextID++
	now := m.now()
	conn := &Connection{
		id:        m.nextID,
		key:       key,
		session:   session,
		createdAt: now,
		lastUsed:  now,
		inUse:     true,
	}
	m.mu.Unlock()

	logger.Debug().Uint64("conn", conn.id).Msg("opened connection")
	return conn, nil
}

// Release returns conn to its pool, or closes it when it is broken, expired or
// the pool already holds enough idle connections. Releasing twice is a no-op.
func (m *Manager) Release(conn *Connection) {
	if conn == nil {
		return
	}
	m.mu.Lock()
	if !conn.inUse {
		m.mu.Unlock()
		return
	}
	conn.inUse = false
	p := m.poolFor(conn.key)
	p.inUse--

	keep := !m.closed && !conn.broken && !m.expired(conn) && len(p.idle) < m.maxIdle
	if keep {
		conn.lastUsed = m.now()
		p.idle = append(p.idle, conn)
	}
	m.mu.Unlock()

	if !keep {
		conn.session.Close()
	}
}

// WithConnection runs fn with a borrowed connection and always releases it.
// When fn fails and the session no longer answers, the connection is dropped.
func (m *Manager) WithConnection(ctx context.Context, ep Endpoint, fn func(*Connection) error) error {
	conn, err := m.Acquire(ctx, ep)
	if err != nil {
		return err
	}
	defer m.Release(conn)

	if err := fn(conn); err != nil {
		if !alive(conn.session) {
			conn.MarkBroken()
		}
		return err
	}
	return nil
}

// Sweep closes idle connections that outlived their idle timeout or lifetime
// or fail a liveness check. It returns the number of evicted connections.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	var candidates []*Connection
	evicted := 0
	var toClose []*Connection
	for _, p := range m.pools {
		for _, conn := range p.idle {
			if m.expired(conn) || (m.idleTimeout > 0 && m.now().Sub(conn.lastUsed) > m.idleTimeout) {
				toClose = append(toClose, conn)
				continue
			}
			candidates = append(candidates, conn)
		}
		p.idle = nil
	}
	m.mu.Unlock()

	for _, conn := range toClose {
		conn.session.Close()
		evicted++
	}

	var healthy []*Connection
	for _, conn := range candidates {
		if alive(conn.session) {
			healthy = append(healthy, conn)
			continue
		}
		conn.session.Close()
		evicted++
	}

	m.mu.Lock()
	var overflow []*Connection
	for _, conn := range healthy {
		p := m.poolFor(conn.key)
		if m.closed || len(p.idle) >= m.maxIdle {
			overflow = append(overflow, conn)
			continue
		}
		p.idle = append(p.idle, conn)
	}
	m.mu.Unlock()

	for _, conn := range overflow {
		conn.session.Close()
		evicted++
	}

	if evicted > 0 {
		zerolog.Ctx(ctx).Debug().Int("evicted", evicted).Msg("swept connection pools")
	}
	return evicted
}

// Stats returns idle and in-use counts per endpoint key.
func (m *Manager) Stats() map[string]PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PoolStats, len(m.pools))
	for key, p := range m.pools {
		out[key] = PoolStats{Idle: len(p.idle), InUse: p.inUse}
	}
	return out
}

// Close closes every idle connection. Borrowed connections are closed when
// released.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	var idle []*Connection
	for _, p := range m.pools {
		idle = append(idle, p.idle...)
		p.idle = nil
	}
	m.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := conn.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// connect dials with a bounded number of attempts and a constant delay.
// Credentials are resolved on every attempt.
func (m *Manager) connect(ctx context.Context, ep Endpoint) (*Session, error) {
	logger := zerolog.Ctx(ctx)
	attempts := 0

	session, err := backoff.Retry(ctx, func() (*Session, error) {
		attempts++
		auth, err := resolveAuth(ctx, ep, m.secrets)
		if err != nil {
			m.record(ep, err)
			return nil, backoff.Permanent(err)
		}

		session, err := m.dialer.Dial(ctx, ep, auth)
		if err != nil {
			m.record(ep, err)
			return nil, err
		}
		if _, err := session.Client.Getwd(); err != nil {
			session.Close()
			err = errors.Errorf("sftp channel not responding: %w", err)
			m.record(ep, err)
			return nil, err
		}
		m.record(ep, nil)
		return session, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.retryDelay)),
		backoff.WithMaxTries(uint(m.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().
				Str("endpoint", ep.Key()).
				Int("attempt", attempts).
				Dur("retry_in", next).
				Err(err).
				Msg("connection attempt failed")
		}),
	)
	if err != nil {
		return nil, &ConnectError{Endpoint: ep.Key(), Attempts: attempts, Err: err}
	}
	return session, nil
}

func (m *Manager) record(ep Endpoint, err error) {
	if m.observer != nil {
		m.observer.RecordConnectAttempt(ep.Key(), err)
	}
}

func (m *Manager) poolFor(key string) *pool {
	p, ok := m.pools[key]
	if !ok {
		p = &pool{}
		m.pools[key] = p
	}
	return p
}

func (m *Manager) expired(conn *Connection) bool {
	return m.maxLifetime > 0 && m.now().Sub(conn.createdAt) > m.maxLifetime
}

// discard closes a connection that was counted as in use.
func (m *Manager) discard(conn *Connection) {
	m.mu.Lock()
	conn.inUse = false
	m.poolFor(conn.key).inUse--
	m.mu.Unlock()
	conn.session.Close()
}

func alive(s *Session) bool {
	if s == nil || s.Client == nil {
		return false
	}
	_, err := s.Client.Getwd()
	return err == nil
}
