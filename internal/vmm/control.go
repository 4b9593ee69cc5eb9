package vmm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultConnectRetries bounds how often the control socket is retried
	// while the hypervisor is still creating it.
	DefaultConnectRetries = 10
	// DefaultConnectBackoff is the pause between connect attempts.
	DefaultConnectBackoff = 50 * time.Millisecond

	maxControlBody = 64 << 10
)

// ControlClient issues requests to the hypervisor's HTTP control API over
// its unix socket. Every request uses a fresh connection.
type ControlClient struct {
	socket   string
	retries  uint64
	interval time.Duration
	log      *logrus.Entry
}

// NewControlClient returns a client for the control socket at path.
// Non-positive retries or interval select the defaults.
func NewControlClient(path string, retries int, interval time.Duration, log *logrus.Entry) *ControlClient {
	if retries <= 0 {
		retries = DefaultConnectRetries
	}
	if interval <= 0 {
		interval = DefaultConnectBackoff
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ControlClient{socket: path, retries: uint64(retries), interval: interval, log: log}
}

func (c *ControlClient) dial(ctx context.Context) (net.Conn, error) {
	var (
		conn    net.Conn
		dialer  net.Dialer
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		conn, err = dialer.DialContext(ctx, "unix", c.socket)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.interval), c.retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, errors.Wrapf(err, "connect to control socket %s after %d attempts", c.socket, attempt)
	}
	if attempt > 1 {
		c.log.WithField("attempts", attempt).Debug("control socket became available")
	}
	return conn, nil
}

// Do sends one request. body is JSON encoded when non-nil. A status other
// than 200 or 204 yields a *ControlAPIError.
func (c *ControlClient) Do(ctx context.Context, method, path string, body interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.Wrapf(err, "encode %s %s", method, path)
		}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	var req bytes.Buffer
	fmt.Fprintf(&req, "%s %s HTTP/1.1\r\n", method, path)
	req.WriteString("Host: localhost\r\n")
	req.WriteString("Accept: application/json\r\n")
	req.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&req, "Content-Length: %d\r\n", len(payload))
	req.WriteString("Connection: close\r\n\r\n")
	req.Write(payload)
	if _, err := conn.Write(req.Bytes()); err != nil {
		return errors.Wrapf(c.ctxErr(ctx, err), "send %s %s", method, path)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return errors.Wrapf(c.ctxErr(ctx, err), "read response to %s %s", method, path)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxControlBody))

	c.log.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
	}).Debug("control request")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &ControlAPIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

func (c *ControlClient) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// MemBackend describes where guest memory is restored from.
type MemBackend struct {
	BackendPath string `json:"backend_path"`
	BackendType string `json:"backend_type"`
}

// SnapshotLoad is the body of PUT /snapshot/load.
type SnapshotLoad struct {
	SnapshotPath        string     `json:"snapshot_path"`
	MemBackend          MemBackend `json:"mem_backend"`
	EnableDiffSnapshots bool       `json:"enable_diff_snapshots"`
}

// SnapshotCreate is the body of PUT /snapshot/create.
type SnapshotCreate struct {
	SnapshotType string `json:"snapshot_type"`
	SnapshotPath string `json:"snapshot_path"`
	MemFilePath  string `json:"mem_file_path"`
}

// BootSource is the body of PUT /boot-source.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args,omitempty"`
}

// Drive is the body of PUT and PATCH /drives/{id}.
type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice *bool  `json:"is_root_device,omitempty"`
	IsReadOnly   *bool  `json:"is_read_only,omitempty"`
}

// MachineConfig is the body of PUT /machine-config.
type MachineConfig struct {
	VcpuCount  int `json:"vcpu_count"`
	MemSizeMib int `json:"mem_size_mib"`
}

// Vsock is the body of PUT /vsock.
type Vsock struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// LoadSnapshot restores a paused VM from files relative to the chroot.
func (c *ControlClient) LoadSnapshot(ctx context.Context, snapshot, mem string) error {
	return c.Do(ctx, http.MethodPut, "/snapshot/load", SnapshotLoad{
		SnapshotPath: snapshot,
		MemBackend:   MemBackend{BackendPath: mem, BackendType: "File"},
	})
}

// PatchDrive rebinds a block device to a new host path.
func (c *ControlClient) PatchDrive(ctx context.Context, id, pathOnHost string) error {
	return c.Do(ctx, http.MethodPatch, "/drives/"+id, Drive{DriveID: id, PathOnHost: pathOnHost})
}

// PutDrive attaches a block device before boot.
func (c *ControlClient) PutDrive(ctx context.Context, d Drive) error {
	return c.Do(ctx, http.MethodPut, "/drives/"+d.DriveID, d)
}

// SetState moves the VM to "Paused" or "Resumed".
func (c *ControlClient) SetState(ctx context.Context, state string) error {
	return c.Do(ctx, http.MethodPatch, "/vm", map[string]string{"state": state})
}

// Resume wakes a loaded snapshot.
func (c *ControlClient) Resume(ctx context.Context) error {
	return c.SetState(ctx, "Resumed")
}

// Pause freezes the VM.
func (c *ControlClient) Pause(ctx context.Context) error {
	return c.SetState(ctx, "Paused")
}

func (c *ControlClient) PutBootSource(ctx context.Context, b BootSource) error {
	return c.Do(ctx, http.MethodPut, "/boot-source", b)
}

func (c *ControlClient) PutMachineConfig(ctx context.Context, m MachineConfig) error {
	return c.Do(ctx, http.MethodPut, "/machine-config", m)
}

func (c *ControlClient) PutVsock(ctx context.Context, v Vsock) error {
	return c.Do(ctx, http.MethodPut, "/vsock", v)
}

// StartInstance boots a configured VM.
func (c *ControlClient) StartInstance(ctx context.Context) error {
	return c.Do(ctx, http.MethodPut, "/actions", map[string]string{"action_type": "InstanceStart"})
}

// CreateSnapshot writes a full snapshot of a paused VM.
func (c *ControlClient) CreateSnapshot(ctx context.Context, snapshotPath, memPath string) error {
	return c.Do(ctx, http.MethodPut, "/snapshot/create", SnapshotCreate{
		SnapshotType: "Full",
		SnapshotPath: snapshotPath,
		MemFilePath:  memPath,
	})
}
