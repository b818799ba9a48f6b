// Package frame implements the stream framing of the relay protocol. Every
// frame is a 4-byte little-endian payload length followed by the payload.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the frame header in bytes.
const HeaderSize = 4

// DefaultMaxSize is the largest payload accepted when no limit is given.
const DefaultMaxSize = 64 * 1024

// ErrFrameTooLarge is returned when a header announces a payload larger than
// the reader's limit. The stream cannot be resynchronized afterwards.
var ErrFrameTooLarge = errors.New("frame too large")

// Reader reads frames from a byte stream. It is not safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	maxSize int
	header  [HeaderSize]byte
}

// NewReader returns a Reader that rejects payloads above maxSize bytes. A
// maxSize of zero or less selects DefaultMaxSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadFrame returns the next non-empty payload. Zero-length frames are
// keepalives and are skipped.
//
// Returns:
//   - io.EOF if the stream ended cleanly between frames
//   - io.ErrUnexpectedEOF (wrapped) if it ended inside a frame
//   - ErrFrameTooLarge if the announced length exceeds the limit
func (fr *Reader) ReadFrame() ([]byte, error) {
	for {
		if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}

			return nil, fmt.Errorf("short frame header: %w", err)
		}

		size := binary.LittleEndian.Uint32(fr.header[:])
		if size == 0 {
			continue
		}

		if uint64(size) > uint64(fr.maxSize) {
			return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, size, fr.maxSize)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return nil, fmt.Errorf("short frame payload: %w", err)
		}

		return payload, nil
	}
}

// Encode returns payload with its header prepended.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Write writes payload as one frame with a single Write call, so concurrent
// writers serialized by the caller never interleave partial frames.
func Write(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}
