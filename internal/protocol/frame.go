// Package protocol implements the manager<->trader wire format: a 4-byte
// big-endian length prefix followed by a UTF-8 JSON object. The transport
// underneath is any duplex byte stream - a Unix domain socket in production,
// TCP in tests.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length prefix size in bytes.
	HeaderSize = 4

	// DefaultMaxFrameSize caps the advertised body length. Frames beyond
	// the cap are a protocol error: the stream is considered poisoned
	// because the boundary can no longer be trusted.
	DefaultMaxFrameSize = 16 << 20 // 16 MiB
)

// ErrFrameTooLarge is returned when a length prefix exceeds the configured
// maximum.
var ErrFrameTooLarge = fmt.Errorf("protocol: frame exceeds maximum size")

// WriteFrame writes one length-prefixed frame. The header and body go out in
// a single Write so concurrent writers guarded by a mutex never interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, tolerating arbitrary message
// boundaries across reads. maxSize <= 0 falls back to DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		// EOF here means a clean close between frames; wrap anything
		// mid-header as unexpected.
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("protocol: read frame body: %w", err)
	}
	return body, nil
}
