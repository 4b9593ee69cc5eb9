//go:build linux

package supervisor

import (
	"net"

	"github.com/linuxkit/virtsock/pkg/vsock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Listen opens an AF_VSOCK listener on port for any CID. Inside a
// Firecracker guest, host connections made through the vsock unix socket
// arrive here once the multiplexer has accepted their CONNECT line.
func Listen(port uint32) (net.Listener, error) {
	logrus.WithField("port", port).Info("supervisor: vsock listen")
	ln, err := vsock.Listen(vsock.CIDAny, port)
	if err != nil {
		return nil, errors.Wrapf(err, "vsock listen port (%d) failed", port)
	}
	return ln, nil
}
