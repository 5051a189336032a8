package reassembly

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// Segment is a contiguous run of payload bytes starting at Start.
type Segment struct {
	Start int64
	Data  []byte
}

func (s Segment) end() int64 { return s.Start + int64(len(s.Data)) }

// RawBinaryMessage is a fully reassembled transfer. Segments are ordered,
// contiguous and cover exactly [0, Length).
type RawBinaryMessage struct {
	ClientID     string
	Type         protocol.MessageType
	Extension    string
	HasExtension bool
	Length       int64
	Segments     []Segment
}

// Reader streams the payload without copying it into one buffer.
func (m *RawBinaryMessage) Reader() io.Reader {
	readers := make([]io.Reader, len(m.Segments))
	for i, s := range m.Segments {
		readers[i] = bytes.NewReader(s.Data)
	}
	return io.MultiReader(readers...)
}

// Bytes returns the payload as a single slice.
func (m *RawBinaryMessage) Bytes() []byte {
	out := make([]byte, 0, m.Length)
	for _, s := range m.Segments {
		out = append(out, s.Data...)
	}
	return out
}

// Hash returns the hex SHA-256 of the payload, the key used by the blob store.
func (m *RawBinaryMessage) Hash() string {
	h := sha256.New()
	for _, s := range m.Segments {
		h.Write(s.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Content returns the message content for a payload stored under hash.
func (m *RawBinaryMessage) Content(hash string) (string, error) {
	return m.Type.BlobContent(hash, m.Extension)
}
