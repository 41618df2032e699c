package rtsp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrPayloadTooLarge is returned when an interleaved payload exceeds
// MaxPayloadSize. Nothing is written to the stream in that case.
var ErrPayloadTooLarge = errors.New("rtsp: interleaved payload exceeds 65535 bytes")

// Writer serializes RTSP messages and interleaved frames onto a stream.
// Concurrent callers are serialized by an internal mutex so two writes never
// interleave their bytes on the wire.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage serializes msg and writes it as a single atomic write.
func (w *Writer) WriteMessage(msg Message) error {
	buf := msg.Marshal()

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// WriteData writes one interleaved frame: the four byte header followed by
// the payload, as one contiguous write.
func (w *Writer) WriteData(channel uint8, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes on channel %d", ErrPayloadTooLarge, len(payload), channel)
	}

	buf := make([]byte, 4+len(payload))
	buf[0] = interleavedMarker
	buf[1] = channel
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write interleaved frame: %w", err)
	}
	return nil
}
