package supervisor

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// kernelProcess is one running kernel with the host ends of its pipes. The
// pipes are plain os.Pipe pairs so that reaping the child never races with
// reading its last response.
type kernelProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *bufio.Reader
	rawOut *os.File
	exited chan struct{}
	err    error
}

func startKernel(argv, env []string, stderr io.Writer) (*kernelProcess, error) {
	if len(argv) == 0 {
		return nil, errors.New("supervisor: empty kernel command")
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: stdin pipe")
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, errors.Wrap(err, "supervisor: stdout pipe")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{inR, inW, outR, outW} {
			f.Close()
		}
		return nil, errors.Wrapf(err, "supervisor: start kernel %q", argv[0])
	}
	// The child holds its own copies now.
	inR.Close()
	outW.Close()

	p := &kernelProcess{
		cmd:    cmd,
		stdin:  inW,
		stdout: bufio.NewReader(outR),
		rawOut: outR,
		exited: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *kernelProcess) pid() int {
	return p.cmd.Process.Pid
}

func (p *kernelProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// roundTrip writes one request line and reads one response line. A nil line
// with a nil error never happens; an empty line means the kernel closed its
// stdout.
func (p *kernelProcess) roundTrip(line []byte) ([]byte, error) {
	if _, err := p.stdin.Write(line); err != nil {
		return nil, errors.Wrap(err, "supervisor: write to kernel")
	}
	reply, err := p.stdout.ReadBytes('\n')
	if err == io.EOF && len(reply) == 0 {
		return nil, io.EOF
	}
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "supervisor: read from kernel")
	}
	return reply, nil
}

// stop closes stdin so the kernel exits on its own, then kills the process
// group if it has not gone away within grace.
func (p *kernelProcess) stop(grace time.Duration) {
	p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(grace):
		p.kill()
		<-p.exited
	}
	p.rawOut.Close()
}

func (p *kernelProcess) kill() {
	if p.hasExited() {
		return
	}
	_ = unix.Kill(-p.pid(), unix.SIGKILL)
}

// release drops the host pipe ends of a process that is already dead.
func (p *kernelProcess) release() {
	p.kill()
	<-p.exited
	p.stdin.Close()
	p.rawOut.Close()
}
