// Package client delivers code to a sandbox's guest supervisor through the
// hypervisor's vsock multiplexer socket on the host.
package client

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/fcsandbox/internal/vmm"
	"github.com/michaelbrown/fcsandbox/internal/wire"
)

// DefaultGuestPort is the vsock port of the guest supervisor.
const DefaultGuestPort uint32 = 8000

// Config tunes the client. Zero values select defaults.
type Config struct {
	RootDir      string
	GuestPort    uint32
	MaxFrameSize uint32
	// Timeout bounds one whole exchange. Zero means no limit.
	Timeout time.Duration
}

// Client talks to sandboxes laid out under one jail root.
type Client struct {
	cfg Config
	log *logrus.Entry
}

// New returns a Client.
func New(cfg Config, log *logrus.Entry) *Client {
	if cfg.RootDir == "" {
		cfg.RootDir = vmm.DefaultJailerRootDir
	}
	if cfg.GuestPort == 0 {
		cfg.GuestPort = DefaultGuestPort
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{cfg: cfg, log: log}
}

// SocketPath is the host socket that reaches sandbox id.
func (c *Client) SocketPath(id string) string {
	return vmm.NewLayout(c.cfg.RootDir, id).VsockPath()
}

// Execute sends code to sandbox id and waits for the result. It never
// returns an error: every failure is reported as an error response.
func (c *Client) Execute(ctx context.Context, id, code string) wire.ExecuteResponse {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.exchange(ctx, c.SocketPath(id), code)
	log := c.log.WithFields(logrus.Fields{
		"sandbox":  id,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		log.WithError(err).Warn("execution failed in transport")
		return wire.ErrorResponse("%s: %v", id, err)
	}
	log.WithField("status", resp.Status).Debug("execution finished")
	return resp
}

func (c *Client) exchange(ctx context.Context, path, code string) (wire.ExecuteResponse, error) {
	var resp wire.ExecuteResponse

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return resp, errors.Wrap(err, "sandbox connection failed")
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := wire.Handshake(conn, c.cfg.GuestPort); err != nil {
		return resp, c.cause(ctx, errors.Wrap(err, "handshake failed"))
	}
	if err := wire.WriteMessage(conn, wire.ExecuteRequest{Code: code}); err != nil {
		return resp, c.cause(ctx, errors.Wrap(err, "sending request"))
	}
	if err := wire.ReadMessage(conn, c.cfg.MaxFrameSize, &resp); err != nil {
		return resp, c.cause(ctx, errors.Wrap(err, "reading response"))
	}
	return resp, nil
}

// cause prefers the context's reason over the I/O error it provoked.
func (c *Client) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, errors.Cause(err).Error())
	}
	return err
}
