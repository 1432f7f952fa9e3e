package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxBody bounds a single frame body unless the caller chooses otherwise.
const DefaultMaxBody = 4 << 20

// ReadFrame blocks until one complete frame is available on r. The magic
// number is checked before any body bytes are read, and bodies larger than
// maxBody are rejected without allocating.
func ReadFrame(r io.Reader, maxBody uint32) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint16(header[:]) != Magic {
		return nil, ErrBadMagic
	}

	f := parseHeader(header[:])
	if maxBody > 0 && f.Length > maxBody {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, f.Length, maxBody)
	}
	if f.Length > 0 {
		f.Body = make([]byte, f.Length)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// WriteFrame writes f in a single call so concurrent writers serialized by
// the caller never interleave partial frames.
func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(Encode(f))
	return err
}
