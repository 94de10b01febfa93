package db

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/resilience"
)

// Options tunes the pool. Zero values fall back to the defaults below.
type Options struct {
	MaxConns       int32
	MinConns       int32
	IdleTimeout    time.Duration
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

const (
	defaultMaxConns       = 10
	defaultMinConns       = 2
	defaultIdleTimeout    = 120 * time.Second
	defaultKeepAlive      = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
	discardTimeout        = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = defaultMaxConns
	}
	if o.MinConns <= 0 {
		o.MinConns = defaultMinConns
	}
	if o.MinConns > o.MaxConns {
		o.MinConns = o.MaxConns
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = defaultKeepAlive
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	return o
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
	Observers     int   `json:"observers"`
}

// AcquireFunc checks a connection out of a pool.
type AcquireFunc func(ctx context.Context) (Lease, error)

// Manager owns one connection pool per process. Components receive the
// Manager explicitly; there is no package-level pool.
type Manager struct {
	pool    *pgxpool.Pool
	query   Pool
	acquire AcquireFunc
	log     *zap.Logger

	mu        sync.Mutex
	observers map[uint64]*leaseObserver
	nextID    atomic.Uint64
	closed    atomic.Bool
}

// NewManager parses url, applies opts and opens the pool. The pool is pinged
// before returning.
func NewManager(ctx context.Context, url string, opts Options) (*Manager, error) {
	cfg, err := PoolConfig(url, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "db: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "db: ping")
	}

	m := newManager(pool, func(ctx context.Context) (Lease, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return poolLease{c}, nil
	})
	m.pool = pool

	zap.L().Info("db: pool opened",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns),
		zap.Duration("idle_timeout", cfg.MaxConnIdleTime),
	)
	return m, nil
}

// PoolConfig builds the pgxpool configuration for url. TCP keepalive is set
// on the dialer so idle connections survive load balancers and NAT.
func PoolConfig(url string, opts Options) (*pgxpool.Config, error) {
	opts = opts.withDefaults()

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, eris.Wrap(err, "db: parse config")
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.MaxConnIdleTime = opts.IdleTimeout
	cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout

	dialer := &net.Dialer{
		KeepAlive: opts.KeepAlive,
		Timeout:   opts.ConnectTimeout,
	}
	cfg.ConnConfig.DialFunc = dialer.DialContext
	return cfg, nil
}

// NewManagerWith builds a Manager over an existing query pool and acquire
// function. Tests use it with pgxmock.
func NewManagerWith(query Pool, acquire AcquireFunc) *Manager {
	return newManager(query, acquire)
}

func newManager(query Pool, acquire AcquireFunc) *Manager {
	return &Manager{
		query:     query,
		acquire:   acquire,
		log:       zap.L().With(zap.String("component", "db")),
		observers: make(map[uint64]*leaseObserver),
	}
}

// Pool returns the query pool for store access.
func (m *Manager) Pool() Pool {
	return m.query
}

// WithConn leases a connection for the duration of fn. The lease's error
// observer is registered before fn runs and removed on every exit path,
// including panics. A connection that saw a connection-level error, or
// whose callback panicked, is closed instead of returned to the pool.
func (m *Manager) WithConn(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	if m.closed.Load() {
		return eris.New("db: manager closed")
	}

	lease, err := m.acquire(ctx)
	if err != nil {
		return eris.Wrap(err, "db: acquire")
	}

	obs := &leaseObserver{}
	id := m.addObserver(obs)
	finished := false
	defer func() {
		m.removeObserver(id)
		if !finished || obs.broken() {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
			lease.Discard(dctx)
			cancel()
			if obs.broken() {
				m.log.Warn("db: discarded broken connection", zap.Error(obs.err()))
			}
			return
		}
		lease.Release()
	}()

	err = fn(ctx, &observedConn{conn: lease, obs: obs})
	obs.observe(err)
	finished = true
	return err
}

// ListenConn opens a dedicated connection outside the pool, built from a
// copy of the pool's connection config. The caller owns and closes it.
func (m *Manager) ListenConn(ctx context.Context) (*pgx.Conn, error) {
	if m.pool == nil {
		return nil, eris.New("db: no pool configured for listen connections")
	}
	conn, err := pgx.ConnectConfig(ctx, m.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, eris.Wrap(err, "db: open listen connection")
	}
	return conn, nil
}

// Observers reports how many lease observers are currently registered.
func (m *Manager) Observers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers)
}

// Stats returns pool counters.
func (m *Manager) Stats() Stats {
	s := Stats{Observers: m.Observers()}
	if m.pool != nil {
		st := m.pool.Stat()
		s.TotalConns = st.TotalConns()
		s.IdleConns = st.IdleConns()
		s.AcquiredConns = st.AcquiredConns()
		s.MaxConns = st.MaxConns()
	}
	return s
}

// Ping checks the database is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.query.Ping(ctx); err != nil {
		return eris.Wrap(err, "db: ping")
	}
	return nil
}

// Close closes the pool. Safe to call more than once.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	if m.pool != nil {
		m.pool.Close()
	}
}

func (m *Manager) addObserver(o *leaseObserver) uint64 {
	id := m.nextID.Add(1)
	m.mu.Lock()
	m.observers[id] = o
	m.mu.Unlock()
	return id
}

func (m *Manager) removeObserver(id uint64) {
	m.mu.Lock()
	delete(m.observers, id)
	m.mu.Unlock()
}

// errDiscard asks WithConn to close the lease instead of returning it.
var errDiscard = eris.New("db: discard connection")

// leaseObserver records the first connection-level error seen on a lease.
type leaseObserver struct {
	mu    sync.Mutex
	first error
}

func (o *leaseObserver) observe(err error) {
	if err == nil || (!errors.Is(err, errDiscard) && !resilience.IsConnectionError(err)) {
		return
	}
	o.mu.Lock()
	if o.first == nil {
		o.first = err
	}
	o.mu.Unlock()
}

func (o *leaseObserver) broken() bool {
	return o.err() != nil
}

func (o *leaseObserver) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.first
}

// observedConn reports every error returned by the lease to its observer.
type observedConn struct {
	conn Conn
	obs  *leaseObserver
}

func (c *observedConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	c.obs.observe(err)
	return tag, err
}

func (c *observedConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	c.obs.observe(err)
	return rows, err
}

func (c *observedConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return observedRow{row: c.conn.QueryRow(ctx, sql, args...), obs: c.obs}
}

type observedRow struct {
	row pgx.Row
	obs *leaseObserver
}

func (r observedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	r.obs.observe(err)
	return err
}

// poolLease adapts *pgxpool.Conn to Lease.
type poolLease struct {
	*pgxpool.Conn
}

func (l poolLease) Discard(ctx context.Context) {
	_ = l.Conn.Conn().Close(ctx)
	l.Conn.Release()
}
