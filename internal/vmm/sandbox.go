// Package vmm drives one Firecracker microVM per sandbox: it prepares the
// jail, launches the hypervisor under the jailer, restores the pre-baked
// snapshot over the control API and tears everything down again.
package vmm

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultGuestCID is the context id every restored guest carries. Each guest
// lives in its own jail so the value never collides.
const DefaultGuestCID uint32 = 3

// Config is shared by every sandbox of a host.
type Config struct {
	RootDir        string
	ResourcesDir   string
	Jailer         JailerConfig
	GuestCID       uint32
	ConnectRetries int
	ConnectBackoff time.Duration
	StopGrace      time.Duration
}

func (c Config) withDefaults() Config {
	if c.RootDir == "" {
		c.RootDir = DefaultJailerRootDir
	}
	if c.GuestCID == 0 {
		c.GuestCID = DefaultGuestCID
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.Jailer.JailerBin == "" {
		c.Jailer.JailerBin = DefaultJailerBin
	}
	if c.Jailer.FirecrackerBin == "" {
		c.Jailer.FirecrackerBin = DefaultFirecrackerBin
	}
	// The hypervisor never runs as root.
	if c.Jailer.UID == 0 {
		c.Jailer.UID = DefaultUID
	}
	if c.Jailer.GID == 0 {
		c.Jailer.GID = DefaultGID
	}
	return c
}

// Sandbox is one microVM restored from the shared snapshot.
type Sandbox struct {
	cfg     Config
	layout  Layout
	control *ControlClient
	log     *logrus.Entry

	state     atomic.Int32
	startedAt time.Time

	mu   sync.Mutex
	proc *groupProcess
}

// New describes a sandbox; nothing touches the host until Start.
func New(id string, cfg Config, log *logrus.Entry) *Sandbox {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("sandbox", id)
	layout := NewLayout(cfg.RootDir, id)
	return &Sandbox{
		cfg:     cfg,
		layout:  layout,
		control: NewControlClient(layout.APISocket(), cfg.ConnectRetries, cfg.ConnectBackoff, log),
		log:     log,
	}
}

func (s *Sandbox) ID() string {
	return s.layout.ID
}

func (s *Sandbox) Layout() Layout {
	return s.layout
}

// VsockPath is the host socket that reaches the guest.
func (s *Sandbox) VsockPath() string {
	return s.layout.VsockPath()
}

func (s *Sandbox) State() State {
	return State(s.state.Load())
}

// StartedAt is zero until Start succeeds.
func (s *Sandbox) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Pid of the launcher, or 0 when none is running.
func (s *Sandbox) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.proc.hasExited() {
		return 0
	}
	return s.proc.pid()
}

func (s *Sandbox) setState(st State) {
	s.state.Store(int32(st))
}

type step struct {
	name       string
	target     State
	action     func(ctx context.Context) error
	compensate func()
}

func (s *Sandbox) steps() []step {
	return []step{
		{name: "prepare-isolation", target: StateIsolationPrepared, action: s.prepareIsolation, compensate: s.removeJail},
		{name: "launch", target: StateProcessLaunched, action: s.launch, compensate: s.killLauncher},
		{name: "load-snapshot", target: StateSnapshotLoading, action: s.loadSnapshot},
		{name: "bind-rootfs", target: StateDeviceBound, action: s.bindRootFS},
		{name: "resume", target: StateRunning, action: s.resume},
	}
}

// Start brings the sandbox to Running. On failure every completed step is
// rolled back in reverse order, the state becomes Failed and the returned
// error is a *StepError.
func (s *Sandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateCreated {
		return errors.Errorf("sandbox %s cannot start from state %s", s.ID(), st)
	}

	begin := time.Now()
	var done []step
	for _, st := range s.steps() {
		t := time.Now()
		if err := st.action(ctx); err != nil {
			s.log.WithError(err).WithField("step", st.name).Error("sandbox startup failed")
			if st.compensate != nil {
				st.compensate()
			}
			for i := len(done) - 1; i >= 0; i-- {
				if done[i].compensate != nil {
					done[i].compensate()
				}
			}
			s.setState(StateFailed)
			return &StepError{Step: st.name, Err: err}
		}
		s.setState(st.target)
		s.log.WithFields(logrus.Fields{
			"step":     st.name,
			"duration": time.Since(t).String(),
		}).Debug("step complete")
		done = append(done, st)
	}

	s.startedAt = time.Now()
	s.log.WithField("ready_ms", float64(time.Since(begin).Microseconds())/1000).Info("sandbox ready")
	return nil
}

func (s *Sandbox) prepareIsolation(context.Context) error {
	if err := os.RemoveAll(s.layout.JailDir()); err != nil {
		return errors.Wrap(err, "remove stale jail")
	}
	if err := os.MkdirAll(s.layout.RunDir(), 0o755); err != nil {
		return errors.Wrap(err, "create jail root")
	}
	for _, name := range []string{SnapshotFile, MemFile, RootFSFile} {
		src := filepath.Join(s.cfg.ResourcesDir, name)
		if err := os.Link(src, s.layout.Artifact(name)); err != nil {
			return errors.Wrapf(err, "link %s into jail", name)
		}
	}
	return s.chownJail()
}

// chownJail hands the jail tree to the unprivileged hypervisor user. Without
// root the ownership cannot change and the tree is left as is.
func (s *Sandbox) chownJail() error {
	if os.Geteuid() != 0 {
		s.log.Debug("not running as root; leaving jail ownership unchanged")
		return nil
	}
	uid, gid := s.cfg.Jailer.UID, s.cfg.Jailer.GID
	return filepath.WalkDir(s.layout.JailDir(), func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := unix.Lchown(path, uid, gid); err != nil {
			return errors.Wrapf(err, "chown %s", path)
		}
		return nil
	})
}

func (s *Sandbox) removeJail() {
	if err := os.RemoveAll(s.layout.JailDir()); err != nil {
		s.log.WithError(err).Warn("failed to remove jail directory")
	}
}

func (s *Sandbox) launch(context.Context) error {
	cmd := s.cfg.Jailer.Command(s.layout)
	proc, err := startGroup(cmd)
	if err != nil {
		return errors.Wrapf(err, "start jailer %s", s.cfg.Jailer.JailerBin)
	}
	s.proc = proc
	s.log.WithField("pid", proc.pid()).Debug("jailer launched")
	return nil
}

func (s *Sandbox) killLauncher() {
	if s.proc == nil {
		return
	}
	s.proc.kill()
	<-s.proc.exited
	s.proc = nil
}

func (s *Sandbox) loadSnapshot(ctx context.Context) error {
	return s.control.LoadSnapshot(ctx, SnapshotFile, MemFile)
}

func (s *Sandbox) bindRootFS(ctx context.Context) error {
	return s.control.PatchDrive(ctx, "rootfs", RootFSInJail)
}

func (s *Sandbox) resume(ctx context.Context) error {
	return s.control.Resume(ctx)
}

// Stop terminates the launcher's process group and removes the jail. It is
// safe to call on a sandbox in any state, any number of times.
func (s *Sandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.proc != nil {
		if err := s.proc.terminate(ctx, s.cfg.StopGrace); err != nil {
			firstErr = err
		}
		s.proc = nil
	}
	if err := os.RemoveAll(s.layout.JailDir()); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "remove jail")
	}
	if s.State() != StateFailed {
		s.setState(StateStopped)
	}
	s.log.Info("sandbox stopped")
	return firstErr
}
