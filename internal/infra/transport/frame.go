package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize caps a single message at 64 MB; a model would have to
// hold millions of nodes to get near it.
const maxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("transport: frame exceeds size limit")

// writeFrame writes a length-prefixed payload: 4 bytes big-endian
// length, then the bytes.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(payload)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed payload.
func readFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
