package vmm

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
)

// Defaults for the jailer invocation.
const (
	DefaultJailerBin      = "/usr/local/bin/jailer"
	DefaultFirecrackerBin = "/usr/local/bin/firecracker"
	DefaultUID            = 1000
	DefaultGID            = 1000
)

// JailerConfig describes how the hypervisor is started inside its jail.
type JailerConfig struct {
	JailerBin      string
	FirecrackerBin string
	UID            int
	GID            int
	// ExtraArgs go between the jailer's own flags and the "--" separator.
	ExtraArgs []string
	// Env is appended to the inherited environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Args returns the jailer argument vector for one sandbox, without argv[0].
func (c JailerConfig) Args(l Layout) []string {
	args := []string{
		"--id", l.ID,
		"--exec-file", c.FirecrackerBin,
		"--uid", strconv.Itoa(c.UID),
		"--gid", strconv.Itoa(c.GID),
	}
	if base := l.ChrootBaseDir(); base != filepath.Dir(DefaultJailerRootDir) {
		args = append(args, "--chroot-base-dir", base)
	}
	args = append(args, c.ExtraArgs...)
	return append(args, "--", "--api-sock", APISocketInJail)
}

// Command builds the launcher in its own process group so Stop can signal
// the jailer and everything it spawned at once.
func (c JailerConfig) Command(l Layout) *exec.Cmd {
	cmd := exec.Command(c.JailerBin, c.Args(l)...)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}
