package vmm

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// BakeTemplate describes the template VM whose paused state becomes the
// shared snapshot.
type BakeTemplate struct {
	FirecrackerBin string        `yaml:"firecracker_bin"`
	WorkDir        string        `yaml:"work_dir"`
	APISocket      string        `yaml:"api_socket"`
	KernelImage    string        `yaml:"kernel_image"`
	BootArgs       string        `yaml:"boot_args"`
	RootFS         string        `yaml:"rootfs"`
	VcpuCount      int           `yaml:"vcpu_count"`
	MemSizeMib     int           `yaml:"mem_size_mib"`
	GuestCID       uint32        `yaml:"guest_cid"`
	VsockPath      string        `yaml:"vsock_path"`
	WarmUp         time.Duration `yaml:"warm_up"`
	SnapshotPath   string        `yaml:"snapshot_path"`
	MemPath        string        `yaml:"mem_path"`
}

const defaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/init"

// DefaultBakeTemplate matches the layout every sandbox restores from.
func DefaultBakeTemplate() BakeTemplate {
	return BakeTemplate{
		FirecrackerBin: DefaultFirecrackerBin,
		WorkDir:        ".",
		APISocket:      "/tmp/firecracker.socket",
		KernelImage:    "vmlinux",
		BootArgs:       defaultBootArgs,
		RootFS:         RootFSFile,
		VcpuCount:      1,
		MemSizeMib:     512,
		GuestCID:       DefaultGuestCID,
		VsockPath:      VsockInJail,
		WarmUp:         3 * time.Second,
		SnapshotPath:   SnapshotFile,
		MemPath:        MemFile,
	}
}

// LoadBakeTemplate reads a YAML template on top of the defaults.
func LoadBakeTemplate(path string) (BakeTemplate, error) {
	t := DefaultBakeTemplate()
	f, err := os.Open(path)
	if err != nil {
		return t, errors.Wrap(err, "open bake template")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return t, errors.Wrapf(err, "parse bake template %s", path)
	}
	if t.VcpuCount <= 0 || t.MemSizeMib <= 0 {
		return t, errors.New("bake template: vcpu_count and mem_size_mib must be positive")
	}
	return t, nil
}

// resolve anchors a relative p at the work dir and makes it absolute, since
// the hypervisor runs with the work dir as its cwd.
func (t BakeTemplate) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	abs, err := filepath.Abs(filepath.Join(t.WorkDir, p))
	if err != nil {
		return filepath.Join(t.WorkDir, p)
	}
	return abs
}

// Bake boots the template VM, waits for the guest supervisor to come up,
// pauses it and writes the snapshot and memory files.
func Bake(ctx context.Context, t BakeTemplate, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sock := t.resolve(t.APISocket)
	os.Remove(sock)
	os.Remove(t.resolve(t.VsockPath))

	cmd := exec.Command(t.FirecrackerBin, "--api-sock", sock)
	cmd.Dir = t.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	proc, err := startGroup(cmd)
	if err != nil {
		return errors.Wrapf(err, "start %s", t.FirecrackerBin)
	}
	defer proc.terminate(context.Background(), DefaultStopGrace)
	log.WithField("pid", proc.pid()).Info("template VM launched")

	c := NewControlClient(sock, 0, 0, log)
	yes := true
	configure := []struct {
		what string
		fn   func() error
	}{
		{"boot source", func() error {
			return c.PutBootSource(ctx, BootSource{KernelImagePath: t.KernelImage, BootArgs: t.BootArgs})
		}},
		{"root drive", func() error {
			return c.PutDrive(ctx, Drive{DriveID: "rootfs", PathOnHost: t.RootFS, IsRootDevice: &yes, IsReadOnly: &yes})
		}},
		{"machine config", func() error {
			return c.PutMachineConfig(ctx, MachineConfig{VcpuCount: t.VcpuCount, MemSizeMib: t.MemSizeMib})
		}},
		{"vsock", func() error {
			return c.PutVsock(ctx, Vsock{VsockID: "1", GuestCID: t.GuestCID, UDSPath: t.VsockPath})
		}},
		{"instance start", func() error { return c.StartInstance(ctx) }},
	}
	for _, step := range configure {
		if err := step.fn(); err != nil {
			return errors.Wrapf(err, "bake: %s", step.what)
		}
	}

	log.WithField("warm_up", t.WarmUp.String()).Info("waiting for the guest to settle")
	select {
	case <-time.After(t.WarmUp):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.Pause(ctx); err != nil {
		return errors.Wrap(err, "bake: pause")
	}
	snap, mem := t.resolve(t.SnapshotPath), t.resolve(t.MemPath)
	if err := c.CreateSnapshot(ctx, snap, mem); err != nil {
		return errors.Wrap(err, "bake: create snapshot")
	}
	log.WithFields(logrus.Fields{"snapshot": snap, "mem": mem}).Info("snapshot written")
	return nil
}
