// Package ws adapts nhooyr.io/websocket connections to chat.Conn.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/omochice/relay-chat/internal/chat"
)

// StatusTimeout is the application close code sent when a peer stops
// answering heartbeats.
const StatusTimeout websocket.StatusCode = 4000

// DefaultReadLimit bounds a single inbound frame.
const DefaultReadLimit = 1 << 20

// Conn adapts nhooyr.io/websocket to chat.Conn.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
}

var _ chat.Conn = (*Conn)(nil)

// NewConn wraps a websocket.Conn with empty remote address.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
func NewConnWithAddr(conn *websocket.Conn, addr string) *Conn {
	return &Conn{conn: conn, remoteAddr: addr}
}

// AcceptOptions configures Accept.
type AcceptOptions struct {
	// ReadLimit bounds a single inbound frame; DefaultReadLimit when zero.
	ReadLimit int64
	// OriginPatterns lists extra hosts allowed to open cross-origin sockets.
	OriginPatterns []string
}

// Accept upgrades the request and wraps the resulting connection.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to accept websocket: %w", err)
	}
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return NewConnWithAddr(c, r.RemoteAddr), nil
}

// Read implements chat.Conn.
// A normal close by the peer is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) (chat.FrameKind, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return chat.FrameBinary, data, nil
	}
	return chat.FrameText, data, nil
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, kind chat.FrameKind, data []byte) error {
	typ := websocket.MessageText
	if kind == chat.FrameBinary {
		typ = websocket.MessageBinary
	}
	return c.conn.Write(ctx, typ, data)
}

// StatusCode returns the close code sent for reason.
func StatusCode(reason chat.CloseReason) websocket.StatusCode {
	switch reason {
	case chat.CloseProtocolViolation:
		return websocket.StatusProtocolError
	case chat.CloseTimeout:
		return StatusTimeout
	default:
		return websocket.StatusNormalClosure
	}
}

// Close implements chat.Conn.
func (c *Conn) Close(reason chat.CloseReason, message string) error {
	err := c.conn.Close(StatusCode(reason), message)
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		// The peer completed the handshake with its own status.
		return nil
	}
	return err
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
