//go:build !linux

package supervisor

import (
	"net"

	"github.com/pkg/errors"
)

// Listen is only supported inside a linux guest.
func Listen(port uint32) (net.Listener, error) {
	return nil, errors.Errorf("vsock listen port (%d): not supported on this platform", port)
}
