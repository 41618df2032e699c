// Package transport provides the byte-stream transports an RTSP listener
// runs on top of. The listener does not own socket semantics; it consumes
// this capability.
package transport

import (
	"context"
	"io"
)

// Transport is a reconnectable bidirectional byte stream.
type Transport interface {
	// Connected reports whether the transport currently has a usable
	// stream.
	Connected() bool

	// RemoteAddress describes the peer, for logging and identification.
	RemoteAddress() string

	// Stream returns the current byte stream. Nil when disconnected. Each
	// Reconnect produces a fresh stream; the previous one is invalid.
	Stream() io.ReadWriteCloser

	// Reconnect tears down any previous stream and establishes a new one.
	Reconnect(ctx context.Context) error

	// Close closes the current stream and marks the transport
	// disconnected. A closed transport can be revived with Reconnect.
	Close() error
}
