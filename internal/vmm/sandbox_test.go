package vmm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHost struct {
	cfg     Config
	logPath string
}

func newTestHost(t *testing.T, failCall string) testHost {
	t.Helper()
	base := shortTempDir(t)
	resources := filepath.Join(base, "resources")
	require.NoError(t, os.MkdirAll(resources, 0o755))
	for _, name := range []string{SnapshotFile, MemFile, RootFSFile} {
		require.NoError(t, os.WriteFile(filepath.Join(resources, name), []byte(name), 0o644))
	}
	logPath := filepath.Join(base, "calls.log")

	return testHost{
		logPath: logPath,
		cfg: Config{
			RootDir:      filepath.Join(base, "firecracker"),
			ResourcesDir: resources,
			Jailer: JailerConfig{
				JailerBin:      os.Args[0],
				FirecrackerBin: "/opt/fc/firecracker",
				UID:            os.Getuid(),
				GID:            os.Getgid(),
				Env: []string{
					fakeEnv + "=1",
					fakeLogEnv + "=" + logPath,
					fakeFailEnv + "=" + failCall,
				},
			},
			ConnectRetries: 200,
			ConnectBackoff: 10 * time.Millisecond,
			StopGrace:      2 * time.Second,
		},
	}
}

func TestSandboxStartStop(t *testing.T) {
	host := newTestHost(t, "")
	sb := New("vm-0000aaaa", host.cfg, testLogger())
	assert.Equal(t, StateCreated, sb.State())

	ctx := context.Background()
	require.NoError(t, sb.Start(ctx))
	assert.Equal(t, StateRunning, sb.State())
	assert.NotZero(t, sb.Pid())
	assert.False(t, sb.StartedAt().IsZero())
	assert.Equal(t, filepath.Join(host.cfg.RootDir, "vm-0000aaaa", "root", "run", "v.sock"), sb.VsockPath())

	for _, name := range []string{SnapshotFile, MemFile, RootFSFile} {
		src, err := os.Stat(filepath.Join(host.cfg.ResourcesDir, name))
		require.NoError(t, err)
		dst, err := os.Stat(sb.Layout().Artifact(name))
		require.NoError(t, err)
		assert.True(t, os.SameFile(src, dst), "%s should be a hard link", name)
	}

	calls := readCalls(t, host.logPath)
	require.Equal(t, []string{
		"PUT /snapshot/load",
		"PATCH /drives/rootfs",
		"PATCH /vm",
	}, callNames(calls))
	assert.JSONEq(t, `{"snapshot_path":"vm.snap","mem_backend":{"backend_path":"vm.mem","backend_type":"File"},"enable_diff_snapshots":false}`,
		calls[0][len("PUT /snapshot/load "):])
	assert.JSONEq(t, `{"drive_id":"rootfs","path_on_host":"/rootfs.ext4"}`, calls[1][len("PATCH /drives/rootfs "):])
	assert.JSONEq(t, `{"state":"Resumed"}`, calls[2][len("PATCH /vm "):])

	require.NoError(t, sb.Stop(ctx))
	assert.Equal(t, StateStopped, sb.State())
	assert.Zero(t, sb.Pid())
	assert.NoDirExists(t, sb.Layout().JailDir())

	// A second stop is harmless.
	require.NoError(t, sb.Stop(ctx))
}

func TestSandboxStartFailureRollsBack(t *testing.T) {
	host := newTestHost(t, "PATCH /drives/rootfs")
	sb := New("vm-0000bbbb", host.cfg, testLogger())

	err := sb.Start(context.Background())
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "bind-rootfs", stepErr.Step)

	var apiErr *ControlAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "injected failure")

	assert.Equal(t, StateFailed, sb.State())
	assert.Zero(t, sb.Pid())
	assert.NoDirExists(t, sb.Layout().JailDir())

	assert.Equal(t, []string{"PUT /snapshot/load", "PATCH /drives/rootfs"}, callNames(readCalls(t, host.logPath)))

	require.NoError(t, sb.Stop(context.Background()))
	assert.Equal(t, StateFailed, sb.State())
}

func TestSandboxSnapshotLoadFailureRollsBack(t *testing.T) {
	host := newTestHost(t, "PUT /snapshot/load")
	sb := New("vm-0000eeee", host.cfg, testLogger())

	err := sb.Start(context.Background())
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr), "got %v", err)
	assert.Equal(t, "load-snapshot", stepErr.Step)

	var apiErr *ControlAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "/snapshot/load", apiErr.Path)

	assert.Equal(t, StateFailed, sb.State())
	assert.Zero(t, sb.Pid())
	assert.NoDirExists(t, sb.Layout().JailDir())
	assert.Equal(t, []string{"PUT /snapshot/load"}, callNames(readCalls(t, host.logPath)))

	require.NoError(t, sb.Stop(context.Background()))
	require.NoError(t, sb.Stop(context.Background()))
	assert.Equal(t, StateFailed, sb.State())
	assert.NoDirExists(t, sb.Layout().JailDir())
}

func TestConfigDefaultsToUnprivilegedIdentity(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultUID, cfg.Jailer.UID)
	assert.Equal(t, DefaultGID, cfg.Jailer.GID)

	cfg = Config{Jailer: JailerConfig{UID: 2000, GID: 3000}}.withDefaults()
	assert.Equal(t, 2000, cfg.Jailer.UID)
	assert.Equal(t, 3000, cfg.Jailer.GID)

	args := cfg.Jailer.Args(NewLayout(cfg.RootDir, "vm-1"))
	assert.Contains(t, args, "2000")
	assert.NotContains(t, args, "0")
}

func TestSandboxMissingResources(t *testing.T) {
	host := newTestHost(t, "")
	require.NoError(t, os.Remove(filepath.Join(host.cfg.ResourcesDir, MemFile)))
	sb := New("vm-0000cccc", host.cfg, testLogger())

	err := sb.Start(context.Background())
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "prepare-isolation", stepErr.Step)
	assert.Contains(t, err.Error(), MemFile)

	assert.Equal(t, StateFailed, sb.State())
	assert.NoDirExists(t, sb.Layout().JailDir())
	assert.Empty(t, readCalls(t, host.logPath), "the hypervisor must never be launched")
}

func TestSandboxLauncherMissing(t *testing.T) {
	host := newTestHost(t, "")
	host.cfg.Jailer.JailerBin = "/nonexistent/jailer"
	sb := New("vm-0000dddd", host.cfg, testLogger())

	err := sb.Start(context.Background())
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "launch", stepErr.Step)
	assert.NoDirExists(t, sb.Layout().JailDir())
}

func TestSandboxStartsOnce(t *testing.T) {
	host := newTestHost(t, "")
	sb := New("vm-0000eeee", host.cfg, testLogger())
	ctx := context.Background()

	require.NoError(t, sb.Start(ctx))
	defer sb.Stop(ctx)
	assert.Error(t, sb.Start(ctx))
	assert.Equal(t, StateRunning, sb.State())
}

func TestSandboxStaleJailIsReplaced(t *testing.T) {
	host := newTestHost(t, "")
	sb := New("vm-0000ffff", host.cfg, testLogger())
	stale := filepath.Join(sb.Layout().ChrootDir(), "leftover")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	ctx := context.Background()
	require.NoError(t, sb.Start(ctx))
	defer sb.Stop(ctx)
	assert.NoFileExists(t, stale)
}

func TestSandboxStopNeverStarted(t *testing.T) {
	host := newTestHost(t, "")
	sb := New("vm-00001111", host.cfg, testLogger())
	require.NoError(t, sb.Stop(context.Background()))
	assert.Equal(t, StateStopped, sb.State())
}

func TestJailerArgs(t *testing.T) {
	cfg := JailerConfig{FirecrackerBin: "/usr/local/bin/firecracker", UID: 1000, GID: 1000}

	assert.Equal(t, []string{
		"--id", "vm-1",
		"--exec-file", "/usr/local/bin/firecracker",
		"--uid", "1000",
		"--gid", "1000",
		"--", "--api-sock", "/run/firecracker.socket",
	}, cfg.Args(NewLayout(DefaultJailerRootDir, "vm-1")))

	cfg.ExtraArgs = []string{"--cgroup-version", "2"}
	assert.Equal(t, []string{
		"--id", "vm-2",
		"--exec-file", "/usr/local/bin/firecracker",
		"--uid", "1000",
		"--gid", "1000",
		"--chroot-base-dir", "/var/lib/jails",
		"--cgroup-version", "2",
		"--", "--api-sock", "/run/firecracker.socket",
	}, cfg.Args(NewLayout("/var/lib/jails/firecracker", "vm-2")))
}

func TestLayout(t *testing.T) {
	l := NewLayout("/srv/jailer/firecracker", "vm-abc")
	assert.Equal(t, "/srv/jailer/firecracker/vm-abc", l.JailDir())
	assert.Equal(t, "/srv/jailer/firecracker/vm-abc/root", l.ChrootDir())
	assert.Equal(t, "/srv/jailer/firecracker/vm-abc/root/run/firecracker.socket", l.APISocket())
	assert.Equal(t, "/srv/jailer/firecracker/vm-abc/root/run/v.sock", l.VsockPath())
	assert.Equal(t, "/srv/jailer/firecracker/vm-abc/root/vm.snap", l.Artifact(SnapshotFile))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
