// Package transport owns the physical link layer: frame framing over byte
// streams, the radio abstraction for advertising and dialing, and the link
// manager that wires each connection to its secure channel.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds a single frame so a garbled length prefix cannot force
// a huge allocation.
const maxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// Stream turns a raw byte link into a sequence of length-prefixed frames.
// Writes are serialized; reads are expected from a single goroutine.
type Stream struct {
	writeMu sync.Mutex
	rw      io.ReadWriteCloser
}

// NewStream wraps a byte link.
func NewStream(rw io.ReadWriteCloser) *Stream {
	return &Stream{rw: rw}
}

// WriteFrame writes one frame with its length prefix.
func (s *Stream) WriteFrame(frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
	if _, err := s.rw.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := s.rw.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks until one full frame arrived.
func (s *Stream) ReadFrame() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(s.rw, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(s.rw, frame); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return frame, nil
}

// Close closes the underlying link.
func (s *Stream) Close() error {
	return s.rw.Close()
}
