package rtsp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// interleavedMarker starts a binary frame when seen at a frame boundary.
	interleavedMarker = 0x24 // '$'

	// maxLineBytes bounds a single start or header line so a peer cannot
	// grow the line buffer without limit.
	maxLineBytes = 8 << 10
)

// ErrLineTooLong is returned when a start or header line exceeds the
// per-line cap.
var ErrLineTooLong = errors.New("rtsp: header line exceeds maximum length")

// Reader consumes a byte stream carrying RTSP text messages interleaved with
// binary frames and produces one Chunk per ReadChunk call.
//
// A Reader is not safe for concurrent use; exactly one goroutine reads a
// given stream.
type Reader struct {
	br     *bufio.Reader
	pool   *payloadPool
	source string
}

// NewReader wraps r. source is the opaque connection id stamped on every
// produced chunk; it may be empty.
func NewReader(r io.Reader, source string) *Reader {
	return newReader(r, newPayloadPool(), source)
}

func newReader(r io.Reader, pool *payloadPool, source string) *Reader {
	return &Reader{
		br:     bufio.NewReaderSize(r, 4096),
		pool:   pool,
		source: source,
	}
}

// ReadChunk reads the next chunk off the stream: a request, a response, or
// an interleaved data frame. It returns io.EOF when the stream ends cleanly
// at a frame boundary. A stream that ends inside a chunk yields an error
// wrapping io.ErrUnexpectedEOF and the partial chunk is discarded.
func (r *Reader) ReadChunk() (Chunk, error) {
	// Frame boundary: the next byte decides between text and binary. A '$'
	// is an interleaved marker only while the line buffer is still empty;
	// inside a line it is ordinary text.
	var line []byte
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(line) == 0 {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("rtsp: stream ended mid start-line: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}

		switch {
		case b == interleavedMarker && len(line) == 0:
			return r.readInterleaved()
		case b == '\r':
			// stripped
		case b == '\n':
			if len(line) == 0 {
				// Stray blank line between messages; stay at the boundary.
				continue
			}
			msg, err := parseStartLine(string(line), r.source)
			if err != nil {
				return nil, err
			}
			return r.readMessage(msg)
		default:
			if len(line) >= maxLineBytes {
				return nil, ErrLineTooLong
			}
			line = append(line, b)
		}
	}
}

// readMessage consumes headers and body for a message whose start-line has
// already been parsed.
func (r *Reader) readMessage(msg Message) (Chunk, error) {
	h := msg.Headers()
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, fmt.Errorf("rtsp: read headers: %w", err)
		}
		if len(line) == 0 {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("rtsp: malformed header line %q", line)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	if v, ok := h.Lookup(headerCSeq); ok {
		if cseq, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32); err == nil {
			switch m := msg.(type) {
			case *Request:
				m.CSeq = uint32(cseq)
			case *Response:
				m.CSeq = uint32(cseq)
			}
		}
	}

	// The Content-Length byte count is authoritative; absent or zero means
	// an empty body.
	if n, err := strconv.Atoi(strings.TrimSpace(h.Get(headerContentLength))); err == nil && n > 0 {
		body := make([]byte, n)
		if _, err := io.ReadFull(r.br, body); err != nil {
			return nil, fmt.Errorf("rtsp: read body: %w", unexpectedEOF(err))
		}
		switch m := msg.(type) {
		case *Request:
			m.Body = body
		case *Response:
			m.Body = body
		}
	}

	return msg, nil
}

// readInterleaved consumes the three header bytes after the '$' marker and
// then the payload.
func (r *Reader) readInterleaved() (Chunk, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		return nil, fmt.Errorf("rtsp: read interleaved header: %w", unexpectedEOF(err))
	}

	n := int(binary.BigEndian.Uint16(hdr[1:3]))
	buf, payload := r.pool.get(n)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		r.pool.put(buf)
		return nil, fmt.Errorf("rtsp: read interleaved payload: %w", unexpectedEOF(err))
	}

	return &Data{
		Channel: hdr[0],
		Payload: payload,
		Source:  r.source,
		pool:    r.pool,
		buf:     buf,
	}, nil
}

// readLine reads one CRLF (or bare LF) terminated line, byte at a time, with
// '\r' stripped and the length capped at maxLineBytes.
func (r *Reader) readLine() (string, error) {
	var line []byte
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return "", unexpectedEOF(err)
		}
		switch b {
		case '\r':
		case '\n':
			return string(line), nil
		default:
			if len(line) >= maxLineBytes {
				return "", ErrLineTooLong
			}
			line = append(line, b)
		}
	}
}

// unexpectedEOF maps a bare EOF inside a chunk to io.ErrUnexpectedEOF so
// callers can tell a truncated chunk from a clean close.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
