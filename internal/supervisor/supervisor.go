// Package supervisor keeps a worker child process running. A child that
// exits non-zero is restarted after a fixed delay, up to a bounded number
// of restarts, and the tail of its output is logged on every crash.
package supervisor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrRestartsExhausted is returned when the child keeps crashing.
var ErrRestartsExhausted = eris.New("supervisor: restart limit reached")

// Process is a running child.
type Process interface {
	// Wait blocks until the child exits. A non-zero exit is an error.
	Wait() error
	// Stop asks the child to exit and kills it after grace.
	Stop(grace time.Duration)
}

// Spawner starts a child writing its combined output to out.
type Spawner func(ctx context.Context, out io.Writer) (Process, error)

// Options configures a Supervisor.
type Options struct {
	RestartDelay time.Duration
	MaxRestarts  int
	TailBytes    int
	StopGrace    time.Duration
}

func (o Options) withDefaults() Options {
	if o.RestartDelay <= 0 {
		o.RestartDelay = 5 * time.Second
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 10
	}
	if o.TailBytes <= 0 {
		o.TailBytes = 4096
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
	return o
}

// Supervisor runs and restarts one child.
type Supervisor struct {
	spawn    Spawner
	opts     Options
	log      *zap.Logger
	restarts atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Supervisor for spawn.
func New(spawn Spawner, opts Options) *Supervisor {
	return &Supervisor{
		spawn: spawn,
		opts:  opts.withDefaults(),
		log:   zap.L().With(zap.String("component", "supervisor")),
		sleep: sleepCtx,
	}
}

// Restarts reports how many times the child has been restarted.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// Run supervises until ctx is canceled, the child exits cleanly, or the
// restart limit is reached. Cancellation stops the child and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		tail := NewTail(s.opts.TailBytes)
		proc, err := s.spawn(ctx, tail)
		if err != nil {
			return eris.Wrap(err, "supervisor: spawn worker")
		}
		s.log.Info("supervisor: worker started", zap.Int64("restarts", s.restarts.Load()))

		exited := make(chan error, 1)
		go func() { exited <- proc.Wait() }()

		select {
		case <-ctx.Done():
			s.log.Info("supervisor: stopping worker")
			proc.Stop(s.opts.StopGrace)
			<-exited
			return nil

		case err := <-exited:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				s.log.Info("supervisor: worker exited cleanly")
				return nil
			}

			s.log.Error("supervisor: worker crashed",
				zap.Int("exit_code", exitCode(err)),
				zap.Error(err),
				zap.String("output_tail", tail.String()),
			)

			if s.restarts.Load() >= int64(s.opts.MaxRestarts) {
				return eris.Wrapf(ErrRestartsExhausted, "after %d restarts: %v", s.opts.MaxRestarts, err)
			}
			if err := s.sleep(ctx, s.opts.RestartDelay); err != nil {
				return nil
			}
			s.restarts.Add(1)
		}
	}
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
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
