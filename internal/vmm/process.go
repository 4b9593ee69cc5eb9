package vmm

import (
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultStopGrace is how long a launcher gets to exit after SIGTERM.
const DefaultStopGrace = 5 * time.Second

// groupProcess is a started command that leads its own process group.
type groupProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func startGroup(cmd *exec.Cmd) (*groupProcess, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &groupProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *groupProcess) pid() int {
	return p.cmd.Process.Pid
}

func (p *groupProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// terminate sends SIGTERM to the group and escalates to SIGKILL when the
// leader outlives grace or ctx ends.
func (p *groupProcess) terminate(ctx context.Context, grace time.Duration) error {
	if p.hasExited() {
		return nil
	}
	if err := unix.Kill(-p.pid(), unix.SIGTERM); err != nil && err != unix.ESRCH {
		return errors.Wrapf(err, "signal process group %d", p.pid())
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	p.kill()
	<-p.exited
	return nil
}

func (p *groupProcess) kill() {
	unix.Kill(-p.pid(), unix.SIGKILL)
}
