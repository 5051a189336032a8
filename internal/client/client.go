// Package client is a websocket client for the relay.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// DefaultChunkSize is the payload size of each content frame sent by SendFile.
const DefaultChunkSize = 32 << 10

// ErrNotConnected is returned by send operations before Connect.
var ErrNotConnected = errors.New("not connected to server")

// Option configures a Client.
type Option func(*Client)

// WithChunkSize sets the content frame payload size.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithLogger sets the logger; zap.NewNop is used otherwise.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client holds one websocket connection to the relay. It answers heartbeats
// and retransmits transfers the server reports as incomplete.
type Client struct {
	address   string
	chunkSize int
	log       *zap.Logger

	mu   sync.RWMutex
	conn net.Conn
	rw   io.ReadWriter

	writeMu sync.Mutex

	transfersMu sync.Mutex
	transfers   map[string]*transfer

	events   chan protocol.ControlFrame
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Client for a ws:// URL such as ws://host/ws/{id}.
func New(address string, opts ...Option) *Client {
	c := &Client{
		address:   address,
		chunkSize: DefaultChunkSize,
		log:       zap.NewNop(),
		transfers: make(map[string]*transfer),
		events:    make(chan protocol.ControlFrame, 64),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the websocket connection and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, br, _, err := ws.Dial(ctx, c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	var r io.Reader = conn
	if br != nil {
		// The server sent frames right after the handshake.
		r = br
	}

	c.mu.Lock()
	c.conn = conn
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, conn}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receive(br)

	return nil
}

// Disconnect sends a close frame and waits for the read loop to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	if conn != nil {
		c.writeMu.Lock()
		_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Events delivers every control frame received from the server. The channel
// is closed when the connection ends.
func (c *Client) Events() <-chan protocol.ControlFrame {
	return c.events
}

func (c *Client) write(op ws.OpCode, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, op, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// SendControl writes a control frame.
func (c *Client) SendControl(f protocol.ControlFrame) error {
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", f.Type, err)
	}
	return c.write(ws.OpText, data)
}

func (c *Client) sendBinary(f protocol.BinaryFrame) error {
	data, err := protocol.EncodeBinaryFrame(f)
	if err != nil {
		return err
	}
	return c.write(ws.OpBinary, data)
}

// SendText sends a TEXT_PLAIN message and returns its client id.
func (c *Client) SendText(text string) (string, error) {
	return c.sendMessage(protocol.MessageTypeTextPlain, text)
}

// SendLocation sends a LOCATION message and returns its client id.
func (c *Client) SendLocation(loc protocol.Location) (string, error) {
	content := fmt.Sprintf("%g|%g|%s", loc.Latitude, loc.Longitude, loc.Name)
	return c.sendMessage(protocol.MessageTypeLocation, content)
}

func (c *Client) sendMessage(t protocol.MessageType, content string) (string, error) {
	clientID := uuid.NewString()
	err := c.SendControl(protocol.MessageFrame(protocol.Message{
		ClientID: clientID,
		Content:  content,
		Type:     t,
	}))
	return clientID, err
}

func (c *Client) receive(br *bufio.Reader) {
	defer c.wg.Done()
	defer close(c.events)
	if br != nil {
		defer ws.PutReader(br)
	}

	c.mu.RLock()
	rw := c.rw
	c.mu.RUnlock()

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Info("connection closed", zap.Error(err))
			}
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return
		}
		if op != ws.OpText {
			continue
		}

		f, err := protocol.DecodeControl(data)
		if err != nil {
			c.log.Debug("ignoring control frame", zap.Error(err))
			continue
		}
		c.handle(f)

		select {
		case c.events <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) handle(f protocol.ControlFrame) {
	switch f.Type {
	case protocol.FrameHeartbeat:
		if err := c.SendControl(protocol.HeartbeatAckFrame(f.Token)); err != nil {
			c.log.Warn("failed to acknowledge heartbeat", zap.Error(err))
		}
	case protocol.FrameMessage:
		c.forget(f.Message.ClientID)
	case protocol.FrameBinaryHeadMissing:
		if err := c.resendHeader(f.ClientID); err != nil {
			c.log.Warn("failed to resend header", zap.String("client_id", f.ClientID), zap.Error(err))
		}
	case protocol.FrameBinaryRangeMissing:
		if err := c.resendRange(*f.Range); err != nil {
			c.log.Warn("failed to resend range", zap.String("client_id", f.Range.ClientID), zap.Error(err))
		}
	}
}
