package client

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// transfer is an upload kept until the server echoes the resulting message,
// so gaps it reports can be filled.
type transfer struct {
	header  protocol.HeaderFrame
	payload []byte
}

// SendFile uploads r as a binary message of type t using header, content and
// tail frames. name is sent as the header extension; it is required for FILE
// messages and optional otherwise. It returns the transfer's client id.
func (c *Client) SendFile(t protocol.MessageType, name string, r io.Reader) (string, error) {
	if !t.IsBinary() {
		return "", fmt.Errorf("message type %s is not sent as binary", t)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}

	clientID := uuid.NewString()
	tr := &transfer{
		header: protocol.HeaderFrame{
			ClientID:     clientID,
			Type:         t,
			Length:       int64(len(payload)),
			Extension:    name,
			HasExtension: name != "",
		},
		payload: payload,
	}
	c.transfersMu.Lock()
	c.transfers[clientID] = tr
	c.transfersMu.Unlock()

	if err := c.sendBinary(&tr.header); err != nil {
		return clientID, err
	}
	for off := 0; off < len(payload); off += c.chunkSize {
		end := min(off+c.chunkSize, len(payload))
		if err := c.sendBinary(&protocol.ContentFrame{ClientID: clientID, Start: int64(off), Payload: payload[off:end]}); err != nil {
			return clientID, err
		}
	}
	return clientID, c.sendBinary(&protocol.TailFrame{ClientID: clientID})
}

func (c *Client) lookup(clientID string) (*transfer, bool) {
	c.transfersMu.Lock()
	defer c.transfersMu.Unlock()
	tr, ok := c.transfers[clientID]
	return tr, ok
}

func (c *Client) forget(clientID string) {
	c.transfersMu.Lock()
	defer c.transfersMu.Unlock()
	delete(c.transfers, clientID)
}

// Pending returns the number of uploads not yet confirmed by the server.
func (c *Client) Pending() int {
	c.transfersMu.Lock()
	defer c.transfersMu.Unlock()
	return len(c.transfers)
}

func (c *Client) resendHeader(clientID string) error {
	tr, ok := c.lookup(clientID)
	if !ok {
		return fmt.Errorf("unknown transfer %s", clientID)
	}
	if err := c.sendBinary(&tr.header); err != nil {
		return err
	}
	return c.sendBinary(&protocol.TailFrame{ClientID: clientID})
}

func (c *Client) resendRange(r protocol.RangeMissing) error {
	tr, ok := c.lookup(r.ClientID)
	if !ok {
		return fmt.Errorf("unknown transfer %s", r.ClientID)
	}
	size := int64(len(tr.payload))
	if r.From < 0 || r.From >= size {
		return fmt.Errorf("range [%d, +%d) outside payload of %d bytes", r.From, r.Length, size)
	}
	end := min(r.From+r.Length, size)
	for off := r.From; off < end; off += int64(c.chunkSize) {
		chunkEnd := min(off+int64(c.chunkSize), end)
		if err := c.sendBinary(&protocol.ContentFrame{ClientID: r.ClientID, Start: off, Payload: tr.payload[off:chunkEnd]}); err != nil {
			return err
		}
	}
	return c.sendBinary(&protocol.TailFrame{ClientID: r.ClientID})
}
