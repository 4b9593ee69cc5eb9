package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// DefaultMaxFrameSize bounds the declared payload length accepted by
// ReadFrame when the caller passes 0.
const DefaultMaxFrameSize uint32 = 16 << 20

const prefixLen = 4

// ErrConnectionClosed is returned when the peer closes the stream before a
// full frame has arrived.
var ErrConnectionClosed = errors.New("wire: connection closed")

// FrameTooLargeError is returned when a peer declares a payload larger than
// the reader is willing to buffer.
type FrameTooLargeError struct {
	Size uint32
	Max  uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("wire: frame of %d bytes exceeds limit of %d", e.Size, e.Max)
}

// WriteFrame writes payload prefixed with its length as a big-endian uint32.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return errors.Errorf("wire: payload of %d bytes does not fit a frame", len(payload))
	}
	buf := make([]byte, prefixLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[prefixLen:], payload)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "wire: write frame")
	}
	return nil
}

// ReadFrame blocks until a whole frame has arrived and returns its payload.
// Partial reads accumulate until the declared length is satisfied. A
// limit of 0 selects DefaultMaxFrameSize.
func ReadFrame(r io.Reader, limit uint32) ([]byte, error) {
	if limit == 0 {
		limit = DefaultMaxFrameSize
	}
	var prefix [prefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, closedOr(err, "wire: read frame length")
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > limit {
		return nil, &FrameTooLargeError{Size: size, Max: limit}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closedOr(err, "wire: read frame payload")
	}
	return payload, nil
}

// WriteMessage JSON-encodes v into a single frame.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "wire: encode message")
	}
	return WriteFrame(w, data)
}

// ReadMessage reads one frame and JSON-decodes it into v.
func ReadMessage(r io.Reader, limit uint32, v any) error {
	data, err := ReadFrame(r, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "wire: decode message")
	}
	return nil
}

func closedOr(err error, msg string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrConnectionClosed
	}
	return errors.Wrap(err, msg)
}
