package wire

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// maxHandshakeLine caps the reply line read during the handshake. Firecracker
// answers with "OK <host port>\n".
const maxHandshakeLine = 1024

// HandshakeError means the multiplexer did not accept the CONNECT request,
// which in practice means nothing is listening on the guest port yet.
type HandshakeError struct {
	Port  uint32
	Reply string
}

func (e *HandshakeError) Error() string {
	if e.Reply == "" {
		return fmt.Sprintf("wire: handshake to port %d rejected with empty reply", e.Port)
	}
	return fmt.Sprintf("wire: handshake to port %d rejected: %q", e.Port, e.Reply)
}

// Handshake asks a vsock multiplexer to route the stream to the given guest
// port. It reads the reply one byte at a time so that no bytes belonging to
// the next frame are consumed.
func Handshake(rw io.ReadWriter, port uint32) error {
	if _, err := fmt.Fprintf(rw, "CONNECT %d\n", port); err != nil {
		return errors.Wrapf(err, "wire: send CONNECT %d", port)
	}
	line, err := readLine(rw)
	if err != nil && line == "" {
		if err == io.EOF {
			return &HandshakeError{Port: port}
		}
		return errors.Wrapf(err, "wire: read CONNECT %d reply", port)
	}
	if !strings.HasPrefix(line, "OK") {
		return &HandshakeError{Port: port, Reply: line}
	}
	return nil
}

func readLine(r io.Reader) (string, error) {
	var (
		sb  strings.Builder
		one [1]byte
	)
	for sb.Len() < maxHandshakeLine {
		n, err := r.Read(one[:])
		if n == 1 {
			if one[0] == '\n' {
				return strings.TrimRight(sb.String(), "\r"), nil
			}
			sb.WriteByte(one[0])
			continue
		}
		if err != nil {
			return sb.String(), err
		}
	}
	return sb.String(), nil
}
