package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ClientIDLength is the fixed width of the ClientId field in binary frames.
const ClientIDLength = 36

// Frame discriminators carried in byte 0 of every binary frame.
const (
	FrameCodeHeader  byte = 0
	FrameCodeContent byte = 1
	FrameCodeTail    byte = 2
)

const (
	clientIDOffset   = 1
	fixedPrefixLen   = clientIDOffset + ClientIDLength // 37
	headerTypeOffset = fixedPrefixLen                  // 37
	headerLenOffset  = headerTypeOffset + 1            // 38
	headerFixedLen   = headerLenOffset + 8             // 46
	contentStartOff  = fixedPrefixLen                  // 37
	contentFixedLen  = contentStartOff + 8             // 45
)

// ErrMalformedFrame is returned for binary frames that cannot be parsed.
var ErrMalformedFrame = errors.New("malformed binary frame")

// BinaryFrame is one of *HeaderFrame, *ContentFrame or *TailFrame.
type BinaryFrame interface {
	FrameClientID() string
	// AppendBinary appends the wire encoding of the frame to b.
	AppendBinary(b []byte) ([]byte, error)
}

// HeaderFrame announces a transfer: its message type, total length in bytes
// and an optional extension (the file name for FILE messages).
type HeaderFrame struct {
	ClientID     string
	Type         MessageType
	Length       int64
	Extension    string
	HasExtension bool
}

// ContentFrame carries the bytes of a transfer starting at Start.
type ContentFrame struct {
	ClientID string
	Start    int64
	Payload  []byte
}

// TailFrame signals that the sender believes the transfer is complete.
type TailFrame struct {
	ClientID string
}

func (f *HeaderFrame) FrameClientID() string  { return f.ClientID }
func (f *ContentFrame) FrameClientID() string { return f.ClientID }
func (f *TailFrame) FrameClientID() string    { return f.ClientID }

// End returns the offset one past the last byte carried by the frame.
func (f *ContentFrame) End() int64 {
	return f.Start + int64(len(f.Payload))
}

// ParseBinaryFrame decodes a raw websocket binary message.
// Content payloads alias buf; callers that retain frames must not reuse buf.
func ParseBinaryFrame(buf []byte) (BinaryFrame, error) {
	if len(buf) < fixedPrefixLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the fixed prefix", ErrMalformedFrame, len(buf))
	}
	clientID := string(buf[clientIDOffset:fixedPrefixLen])

	switch buf[0] {
	case FrameCodeHeader:
		if len(buf) < headerFixedLen {
			return nil, fmt.Errorf("%w: truncated header frame (%d bytes)", ErrMalformedFrame, len(buf))
		}
		mt, err := ParseMessageType(buf[headerTypeOffset])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		length := int64(binary.BigEndian.Uint64(buf[headerLenOffset:headerFixedLen]))
		if length < 0 {
			return nil, fmt.Errorf("%w: negative length", ErrMalformedFrame)
		}
		hf := &HeaderFrame{ClientID: clientID, Type: mt, Length: length}
		if len(buf) > headerFixedLen {
			ext := buf[headerFixedLen:]
			if !utf8.Valid(ext) {
				return nil, fmt.Errorf("%w: extension is not valid UTF-8", ErrMalformedFrame)
			}
			hf.Extension = string(ext)
			hf.HasExtension = true
		}
		return hf, nil

	case FrameCodeContent:
		if len(buf) < contentFixedLen {
			return nil, fmt.Errorf("%w: truncated content frame (%d bytes)", ErrMalformedFrame, len(buf))
		}
		start := int64(binary.BigEndian.Uint64(buf[contentStartOff:contentFixedLen]))
		if start < 0 {
			return nil, fmt.Errorf("%w: negative start offset", ErrMalformedFrame)
		}
		return &ContentFrame{ClientID: clientID, Start: start, Payload: buf[contentFixedLen:]}, nil

	case FrameCodeTail:
		return &TailFrame{ClientID: clientID}, nil

	default:
		return nil, fmt.Errorf("%w: unknown discriminator %d", ErrMalformedFrame, buf[0])
	}
}

func appendClientID(b []byte, code byte, clientID string) ([]byte, error) {
	if len(clientID) != ClientIDLength {
		return nil, fmt.Errorf("client id must be %d bytes, got %d", ClientIDLength, len(clientID))
	}
	b = append(b, code)
	return append(b, clientID...), nil
}

// AppendBinary implements BinaryFrame.
func (f *HeaderFrame) AppendBinary(b []byte) ([]byte, error) {
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: code %d", ErrUnknownMessageType, byte(f.Type))
	}
	if f.Length < 0 {
		return nil, errors.New("header length must not be negative")
	}
	b, err := appendClientID(b, FrameCodeHeader, f.ClientID)
	if err != nil {
		return nil, err
	}
	b = append(b, byte(f.Type))
	b = binary.BigEndian.AppendUint64(b, uint64(f.Length))
	if f.HasExtension {
		b = append(b, f.Extension...)
	}
	return b, nil
}

// AppendBinary implements BinaryFrame.
func (f *ContentFrame) AppendBinary(b []byte) ([]byte, error) {
	if f.Start < 0 {
		return nil, errors.New("content start must not be negative")
	}
	b, err := appendClientID(b, FrameCodeContent, f.ClientID)
	if err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint64(b, uint64(f.Start))
	return append(b, f.Payload...), nil
}

// AppendBinary implements BinaryFrame.
func (f *TailFrame) AppendBinary(b []byte) ([]byte, error) {
	return appendClientID(b, FrameCodeTail, f.ClientID)
}

// EncodeBinaryFrame returns the wire encoding of f.
func EncodeBinaryFrame(f BinaryFrame) ([]byte, error) {
	return f.AppendBinary(nil)
}
