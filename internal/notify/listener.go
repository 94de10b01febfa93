package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/db"
	"github.com/sells-group/strategyd/internal/resilience"
)

var (
	// ErrReconnectsExhausted is returned by Run when every reconnect attempt failed.
	ErrReconnectsExhausted = eris.New("notify: reconnect attempts exhausted")
	// ErrReconnectInProgress is returned when a reconnect is already running.
	ErrReconnectInProgress = eris.New("notify: reconnect already in progress")
)

// Conn is the subset of *pgx.Conn a listener needs.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Dialer opens a dedicated listen connection.
type Dialer func(ctx context.Context) (Conn, error)

// ManagerDialer dials listen connections outside m's pool.
func ManagerDialer(m *db.Manager) Dialer {
	return func(ctx context.Context) (Conn, error) {
		c, err := m.ListenConn(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Handler receives notification payloads.
type Handler func(ctx context.Context, payload string)

// ListenerOptions tunes reconnect behavior.
type ListenerOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxReconnects  int
	// PingInterval bounds how long the listener waits without traffic before
	// checking the connection with a round trip.
	PingInterval time.Duration
	// OnReconnect runs after every successful reconnect, before
	// notifications are consumed again.
	OnReconnect func(ctx context.Context)
}

// Listener consumes one channel on a dedicated connection and reconnects
// with exponential backoff when the connection is lost.
type Listener struct {
	channel string
	dial    Dialer
	opts    ListenerOptions
	backoff resilience.RetryConfig
	log     *zap.Logger

	reconnecting atomic.Bool
	reconnects   atomic.Int64

	mu         sync.Mutex
	cancelWait context.CancelFunc
	dropped    bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewListener returns a Listener for channel.
func NewListener(channel string, dial Dialer, opts ListenerOptions) *Listener {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 10
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Listener{
		channel: channel,
		dial:    dial,
		opts:    opts,
		backoff: resilience.RetryConfig{
			InitialBackoff: opts.InitialBackoff,
			MaxBackoff:     opts.MaxBackoff,
			Multiplier:     2,
		},
		log:   zap.L().With(zap.String("component", "notify.listener"), zap.String("channel", channel)),
		sleep: sleepCtx,
	}
}

// Reconnects reports how many successful reconnects have happened.
func (l *Listener) Reconnects() int64 {
	return l.reconnects.Load()
}

// Drop abandons the current connection as if it had failed. The run loop
// reconnects on its normal backoff schedule.
func (l *Listener) Drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropped = true
	if l.cancelWait != nil {
		l.cancelWait()
	}
}

// Run consumes notifications until ctx is done, calling handle for each
// payload in arrival order. It returns nil on cancellation and
// ErrReconnectsExhausted when the connection cannot be restored.
func (l *Listener) Run(ctx context.Context, handle Handler) error {
	conn, err := l.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn("notify: initial connect failed", zap.Error(err))
		conn, err = l.reconnect(ctx, nil)
		if err != nil {
			return l.exitErr(ctx, err)
		}
	}
	l.log.Info("notify: listening")

	for {
		wctx, cancel := context.WithTimeout(ctx, l.opts.PingInterval)
		l.setCancel(cancel)
		n, err := conn.WaitForNotification(wctx)
		dropped := l.clearCancel()
		cancel()

		if err == nil {
			if n.Channel == l.channel {
				handle(ctx, n.Payload)
			}
			continue
		}

		if ctx.Err() != nil {
			closeConn(conn)
			return nil
		}

		if !dropped && errors.Is(err, context.DeadlineExceeded) {
			// Idle; make sure the session is still alive.
			_, perr := conn.Exec(ctx, "SELECT 1")
			if perr == nil {
				continue
			}
			err = perr
		}

		l.log.Warn("notify: connection lost", zap.Error(err), zap.Bool("dropped", dropped))
		conn, err = l.reconnect(ctx, conn)
		if err != nil {
			return l.exitErr(ctx, err)
		}
	}
}

func (l *Listener) exitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// connect dials and issues LISTEN.
func (l *Listener) connect(ctx context.Context) (Conn, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "notify: dial")
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		closeConn(conn)
		return nil, eris.Wrapf(err, "notify: listen %s", l.channel)
	}
	return conn, nil
}

// reconnect closes old and dials again on the backoff schedule
// (1s, 2s, 4s, ... capped at MaxBackoff) up to MaxReconnects times. Only one
// reconnect may run at a time.
func (l *Listener) reconnect(ctx context.Context, old Conn) (Conn, error) {
	if !l.reconnecting.CompareAndSwap(false, true) {
		return nil, ErrReconnectInProgress
	}
	defer l.reconnecting.Store(false)

	if old != nil {
		closeConn(old)
	}

	var lastErr error
	for attempt := 0; attempt < l.opts.MaxReconnects; attempt++ {
		delay := resilience.Backoff(attempt, l.backoff)
		if err := l.sleep(ctx, delay); err != nil {
			return nil, err
		}

		conn, err := l.connect(ctx)
		if err != nil {
			lastErr = err
			l.log.Warn("notify: reconnect failed",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			continue
		}

		l.reconnects.Add(1)
		l.log.Info("notify: reconnected", zap.Int("attempt", attempt+1))
		if l.opts.OnReconnect != nil {
			l.opts.OnReconnect(ctx)
		}
		return conn, nil
	}

	return nil, eris.Wrapf(ErrReconnectsExhausted, "after %d attempts: %v", l.opts.MaxReconnects, lastErr)
}

func (l *Listener) setCancel(cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropped {
		cancel()
	}
	l.cancelWait = cancel
}

func (l *Listener) clearCancel() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.dropped
	l.dropped = false
	l.cancelWait = nil
	return d
}

func closeConn(c Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Close(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
