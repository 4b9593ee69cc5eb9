package vmm

import "path/filepath"

// File names of the shared artifacts inside every jail root.
const (
	SnapshotFile = "vm.snap"
	MemFile      = "vm.mem"
	RootFSFile   = "rootfs.ext4"
)

// Paths as seen from inside the chroot.
const (
	APISocketInJail = "/run/firecracker.socket"
	VsockInJail     = "/run/v.sock"
	RootFSInJail    = "/" + RootFSFile
)

// DefaultJailerRootDir is where the jailer builds chroots for the
// firecracker binary with its default chroot base.
const DefaultJailerRootDir = "/srv/jailer/firecracker"

// Layout derives every host path of one sandbox from the jailer root
// directory and the sandbox id.
type Layout struct {
	RootDir string
	ID      string
}

// NewLayout returns the layout of sandbox id under rootDir.
func NewLayout(rootDir, id string) Layout {
	return Layout{RootDir: rootDir, ID: id}
}

// JailDir is the per-sandbox directory the jailer owns.
func (l Layout) JailDir() string {
	return filepath.Join(l.RootDir, l.ID)
}

// ChrootDir is the directory the hypervisor sees as "/".
func (l Layout) ChrootDir() string {
	return filepath.Join(l.JailDir(), "root")
}

// RunDir holds the sockets.
func (l Layout) RunDir() string {
	return filepath.Join(l.ChrootDir(), "run")
}

// APISocket is the host path of the hypervisor control socket.
func (l Layout) APISocket() string {
	return filepath.Join(l.ChrootDir(), APISocketInJail)
}

// VsockPath is the host path of the guest vsock multiplexer socket.
func (l Layout) VsockPath() string {
	return filepath.Join(l.ChrootDir(), VsockInJail)
}

// Artifact returns the host path of an artifact linked into the chroot.
func (l Layout) Artifact(name string) string {
	return filepath.Join(l.ChrootDir(), name)
}

// ChrootBaseDir is the value the jailer expects for --chroot-base-dir: the
// jailer appends the exec file name and the id itself.
func (l Layout) ChrootBaseDir() string {
	return filepath.Dir(l.RootDir)
}
