// Package chat provides the session layer of the relay: live connections,
// broadcast, heartbeats and delivery tracking. It is independent of the
// websocket library used by the transport.
package chat

import "context"

// FrameKind distinguishes the two channels multiplexed on one connection.
type FrameKind int

const (
	// FrameText carries JSON control frames.
	FrameText FrameKind = iota
	// FrameBinary carries header, content and tail frames.
	FrameBinary
)

func (k FrameKind) String() string {
	if k == FrameBinary {
		return "binary"
	}
	return "text"
}

// CloseReason selects the close code sent to the peer.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseProtocolViolation
	CloseTimeout
)

func (r CloseReason) String() string {
	switch r {
	case CloseProtocolViolation:
		return "protocol_violation"
	case CloseTimeout:
		return "timeout"
	default:
		return "normal"
	}
}

// Conn abstracts a bidirectional frame stream.
type Conn interface {
	// Read blocks until the next frame arrives.
	// Returns io.EOF when the peer closed the connection.
	Read(ctx context.Context) (FrameKind, []byte, error)

	// Write sends a single frame.
	Write(ctx context.Context, kind FrameKind, data []byte) error

	// Close closes the connection with the close code for reason.
	Close(reason CloseReason, message string) error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
