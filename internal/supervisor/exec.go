package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// ExecSpawner runs path with args, copying its output to stderr and to the
// supervisor's tail buffer. The child inherits the environment.
func ExecSpawner(path string, args ...string) Spawner {
	return func(_ context.Context, out io.Writer) (Process, error) {
		// Not CommandContext: stopping goes through Stop so the child gets
		// SIGTERM and a grace period.
		cmd := exec.Command(path, args...) //nolint:gosec // path is our own binary
		w := io.MultiWriter(os.Stderr, out)
		cmd.Stdout = w
		cmd.Stderr = w
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			return nil, eris.Wrapf(err, "supervisor: start %s", path)
		}
		return &execProcess{cmd: cmd, done: make(chan struct{})}, nil
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Wait() error {
	defer close(p.done)
	return p.cmd.Wait()
}

func (p *execProcess) Stop(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		_ = p.cmd.Process.Kill()
	}
}
