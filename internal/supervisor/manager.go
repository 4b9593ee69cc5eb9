// Package supervisor keeps the guest execution kernel alive and bridges it
// to callers on the host.
package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/fcsandbox/internal/wire"
)

// State is the lifecycle state of the supervised kernel process.
type State int32

const (
	StateAbsent State = iota
	StateStarting
	StateAlive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateAlive:
		return "alive"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// crashedMessage is what a caller sees when the kernel died during its call.
const crashedMessage = "kernel process crashed during execution; it will be restarted on the next call and its previous state is lost"

// KernelConfig describes how to launch the kernel.
type KernelConfig struct {
	// Command is the kernel argv.
	Command []string
	// Env is appended to the supervisor's environment.
	Env []string
	// Stderr receives the kernel's stderr. Defaults to os.Stderr.
	Stderr io.Writer
	// StopGrace is how long Close waits for the kernel to exit after its
	// stdin is closed.
	StopGrace time.Duration
}

type job struct {
	warm  bool
	code  string
	reply chan wire.ExecuteResponse
}

// KernelManager owns at most one kernel process. Every transition of that
// process happens on a single worker goroutine, so concurrent Execute calls
// queue up instead of racing a respawn.
type KernelManager struct {
	cfg   KernelConfig
	log   *logrus.Entry
	jobs  chan job
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
	state atomic.Int32
	pid   atomic.Int64

	// owned by run
	proc     *kernelProcess
	restarts int
}

// NewKernelManager starts the worker. No kernel is spawned until Warm or the
// first Execute.
func NewKernelManager(cfg KernelConfig, log *logrus.Entry) *KernelManager {
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &KernelManager{
		cfg:  cfg,
		log:  log,
		jobs: make(chan job),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

// State reports the current kernel state.
func (m *KernelManager) State() State {
	return State(m.state.Load())
}

// Pid returns the pid of the current kernel, or 0 if there is none.
func (m *KernelManager) Pid() int {
	return int(m.pid.Load())
}

// Warm spawns the kernel ahead of the first request.
func (m *KernelManager) Warm(ctx context.Context) wire.ExecuteResponse {
	return m.submit(ctx, job{warm: true})
}

// Execute runs code on the kernel, spawning it first if needed.
func (m *KernelManager) Execute(ctx context.Context, code string) wire.ExecuteResponse {
	return m.submit(ctx, job{code: code})
}

func (m *KernelManager) submit(ctx context.Context, j job) wire.ExecuteResponse {
	j.reply = make(chan wire.ExecuteResponse, 1)
	select {
	case m.jobs <- j:
	case <-ctx.Done():
		return wire.ErrorResponse("supervisor: request abandoned before it ran: %v", ctx.Err())
	case <-m.done:
		return wire.ErrorResponse("supervisor: shutting down")
	}
	select {
	case resp := <-j.reply:
		return resp
	case <-ctx.Done():
		return wire.ErrorResponse("supervisor: caller went away while the kernel was running: %v", ctx.Err())
	}
}

// Close stops the worker and the kernel.
func (m *KernelManager) Close() error {
	m.once.Do(func() { close(m.quit) })
	<-m.done
	return nil
}

func (m *KernelManager) run() {
	defer close(m.done)
	for {
		var exited <-chan struct{}
		if m.proc != nil && m.State() == StateAlive {
			exited = m.proc.exited
		}
		select {
		case j := <-m.jobs:
			j.reply <- m.handle(j)
		case <-exited:
			m.log.WithField("pid", m.proc.pid()).WithError(m.proc.err).Warn("kernel exited between requests")
			m.markDead()
		case <-m.quit:
			if m.proc != nil {
				m.proc.stop(m.cfg.StopGrace)
				m.proc = nil
			}
			m.setState(StateAbsent)
			return
		}
	}
}

func (m *KernelManager) handle(j job) wire.ExecuteResponse {
	if err := m.ensureAlive(); err != nil {
		return wire.ErrorResponse("supervisor: cannot start kernel: %v", err)
	}
	if j.warm {
		return wire.ExecuteResponse{Status: wire.StatusSuccess}
	}

	line, err := json.Marshal(wire.ExecuteRequest{Code: j.code})
	if err != nil {
		return wire.ErrorResponse("supervisor: encode request: %v", err)
	}
	reply, err := m.proc.roundTrip(append(line, '\n'))
	if err != nil {
		m.log.WithField("pid", m.proc.pid()).WithError(err).Warn("kernel died during execution")
		m.markDead()
		return wire.ErrorResponse(crashedMessage)
	}

	var resp wire.ExecuteResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		m.log.WithError(err).Warn("kernel sent an unreadable reply")
		m.markDead()
		return wire.ErrorResponse(crashedMessage)
	}
	return resp
}

// ensureAlive spawns a kernel when there is none or the previous one exited.
func (m *KernelManager) ensureAlive() error {
	if m.proc != nil && !m.proc.hasExited() && m.State() == StateAlive {
		return nil
	}
	if m.proc != nil {
		m.markDead()
	}

	m.setState(StateStarting)
	proc, err := startKernel(m.cfg.Command, m.cfg.Env, m.cfg.Stderr)
	if err != nil {
		m.setState(StateAbsent)
		return err
	}
	m.proc = proc
	m.pid.Store(int64(proc.pid()))
	m.setState(StateAlive)

	entry := m.log.WithField("pid", proc.pid())
	if m.restarts > 0 {
		entry = entry.WithField("restarts", m.restarts)
	}
	entry.Info("kernel started")
	m.restarts++
	return nil
}

func (m *KernelManager) markDead() {
	if m.proc != nil {
		m.proc.release()
		m.proc = nil
	}
	m.pid.Store(0)
	m.setState(StateDead)
}

func (m *KernelManager) setState(s State) {
	m.state.Store(int32(s))
}
