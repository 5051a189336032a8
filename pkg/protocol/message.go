package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownMessageType is returned when a type code or name does not map to
// a known MessageType.
var ErrUnknownMessageType = errors.New("unknown message type")

// MessageType represents the type of a chat message.
// The numeric value is the code carried by binary header frames.
type MessageType byte

const (
	MessageTypeTextPlain MessageType = iota
	MessageTypeImage
	MessageTypeLocation
	MessageTypeFile
	MessageTypeVoice
	MessageTypeVideo
)

var messageTypeNames = [...]string{
	MessageTypeTextPlain: "TEXT_PLAIN",
	MessageTypeImage:     "IMAGE",
	MessageTypeLocation:  "LOCATION",
	MessageTypeFile:      "FILE",
	MessageTypeVoice:     "VOICE",
	MessageTypeVideo:     "VIDEO",
}

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	if int(mt) < len(messageTypeNames) {
		return messageTypeNames[mt]
	}
	return "UNKNOWN"
}

// Valid reports whether mt is one of the defined message types.
func (mt MessageType) Valid() bool {
	return int(mt) < len(messageTypeNames)
}

// IsBinary reports whether messages of this type reference a blob and must
// arrive over the binary chunked-transfer protocol.
func (mt MessageType) IsBinary() bool {
	switch mt {
	case MessageTypeImage, MessageTypeFile, MessageTypeVoice, MessageTypeVideo:
		return true
	default:
		return false
	}
}

// ParseMessageType converts a wire code into a MessageType.
func ParseMessageType(code byte) (MessageType, error) {
	mt := MessageType(code)
	if !mt.Valid() {
		return 0, fmt.Errorf("%w: code %d", ErrUnknownMessageType, code)
	}
	return mt, nil
}

// ParseMessageTypeName converts a case-insensitive type name into a MessageType.
func ParseMessageTypeName(name string) (MessageType, error) {
	for i, n := range messageTypeNames {
		if strings.EqualFold(n, name) {
			return MessageType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMessageType, name)
}

// MarshalText encodes the type by name so JSON payloads read "IMAGE" rather
// than a bare number.
func (mt MessageType) MarshalText() ([]byte, error) {
	if !mt.Valid() {
		return nil, fmt.Errorf("%w: code %d", ErrUnknownMessageType, byte(mt))
	}
	return []byte(mt.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (mt *MessageType) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageTypeName(string(text))
	if err != nil {
		return err
	}
	*mt = parsed
	return nil
}

// BlobContent returns the message content stored for a binary message whose
// payload was saved under hash. File messages keep the original file name
// after a '|' separator.
func (mt MessageType) BlobContent(hash, extension string) (string, error) {
	switch mt {
	case MessageTypeImage, MessageTypeVoice, MessageTypeVideo:
		return hash, nil
	case MessageTypeFile:
		return hash + "|" + extension, nil
	default:
		return "", fmt.Errorf("message type %s does not carry a blob", mt)
	}
}

// User is the public view of a chat participant.
// ExternalID and LastSyncFailed are server-side only and never leave the process.
type User struct {
	ExternalID     string  `json:"-"`
	DisplayID      string  `json:"displayId"`
	Name           string  `json:"name"`
	DisplayName    string  `json:"displayName"`
	Position       string  `json:"position"`
	Photo          *string `json:"photo"`
	Github         *string `json:"github"`
	QQ             *string `json:"qq"`
	WeChat         *string `json:"weChat"`
	LastSyncFailed bool    `json:"-"`
}

// Message represents a persisted chat message.
type Message struct {
	ID        int64       `json:"id"`
	ClientID  string      `json:"clientId"`
	Content   string      `json:"content"`
	Timestamp int64       `json:"timestamp"`
	Type      MessageType `json:"type"`
	Author    User        `json:"author"`
}

// Location is the parsed content of a LOCATION message.
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// ParseLocation splits a LOCATION message content of the form
// "{latitude}|{longitude}|{name}".
func ParseLocation(content string) (Location, error) {
	parts := strings.SplitN(content, "|", 3)
	if len(parts) != 3 {
		return Location{}, fmt.Errorf("invalid location content %q", content)
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid longitude: %w", err)
	}
	return Location{Latitude: lat, Longitude: lng, Name: parts[2]}, nil
}
