package vmm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBakeTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bake.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
work_dir: /var/lib/fcsandbox/resources
vcpu_count: 2
warm_up: 500ms
`), 0o644))

	tmpl, err := LoadBakeTemplate(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/fcsandbox/resources", tmpl.WorkDir)
	assert.Equal(t, 2, tmpl.VcpuCount)
	assert.Equal(t, 500*time.Millisecond, tmpl.WarmUp)
	assert.Equal(t, 512, tmpl.MemSizeMib)
	assert.Equal(t, "vmlinux", tmpl.KernelImage)
	assert.Equal(t, DefaultGuestCID, tmpl.GuestCID)
}

func TestLoadBakeTemplateRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bake.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vcpus: 2\n"), 0o644))
	_, err := LoadBakeTemplate(path)
	assert.Error(t, err)
}

func TestLoadBakeTemplateRejectsZeroMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bake.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mem_size_mib: 0\n"), 0o644))
	_, err := LoadBakeTemplate(path)
	assert.Error(t, err)
}

func TestBake(t *testing.T) {
	dir := shortTempDir(t)
	logPath := filepath.Join(dir, "calls.log")
	t.Setenv(fakeEnv, "1")
	t.Setenv(fakeLogEnv, logPath)

	tmpl := DefaultBakeTemplate()
	tmpl.FirecrackerBin = os.Args[0]
	tmpl.WorkDir = dir
	tmpl.APISocket = "fc.sock"
	tmpl.VsockPath = "v.sock"
	tmpl.WarmUp = 10 * time.Millisecond

	require.NoError(t, Bake(context.Background(), tmpl, testLogger()))

	assert.Equal(t, []string{
		"PUT /boot-source",
		"PUT /drives/rootfs",
		"PUT /machine-config",
		"PUT /vsock",
		"PUT /actions",
		"PATCH /vm",
		"PUT /snapshot/create",
	}, callNames(readCalls(t, logPath)))
	assert.FileExists(t, filepath.Join(dir, SnapshotFile))
	assert.FileExists(t, filepath.Join(dir, MemFile))
}

func TestBakeStopsOnControlFailure(t *testing.T) {
	dir := shortTempDir(t)
	t.Setenv(fakeEnv, "1")
	t.Setenv(fakeFailEnv, "PUT /machine-config")

	tmpl := DefaultBakeTemplate()
	tmpl.FirecrackerBin = os.Args[0]
	tmpl.WorkDir = dir
	tmpl.APISocket = "fc.sock"
	tmpl.VsockPath = "v.sock"
	tmpl.WarmUp = time.Hour

	err := Bake(context.Background(), tmpl, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine config")
	assert.NoFileExists(t, filepath.Join(dir, SnapshotFile))
}
