// Package transport carries APDU frames between the emulator and a TCP
// client. Frames are a 4-byte big-endian length followed by the payload, in
// both directions.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrame bounds the payload of a single frame.
const MaxFrame = 64 << 10

// ErrFrameTooLarge is returned for a length prefix above the limit.
var ErrFrameTooLarge = errors.New("frame too large")

// ReadFrame reads one frame. A clean EOF before the prefix is io.EOF.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if limit <= 0 {
		limit = MaxFrame
	}
	if n > uint32(limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, fmt.Errorf("frame body: %w", io.ErrUnexpectedEOF)
	}
	return p, nil
}

// WriteFrame writes p as one frame.
func WriteFrame(w io.Writer, p []byte) error {
	buf := make([]byte, 4+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[4:], p)
	_, err := w.Write(buf)
	return err
}
