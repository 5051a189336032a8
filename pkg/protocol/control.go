package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sugawarayuuta/sonnet"
)

// FrameType tags a control frame on the text channel.
type FrameType string

const (
	FrameMessage            FrameType = "MESSAGE"
	FrameUpdateUser         FrameType = "UPDATE_USER"
	FrameNewConnection      FrameType = "NEW_CONNECTION"
	FrameNewDisconnection   FrameType = "NEW_DISCONNECTION"
	FrameHeartbeat          FrameType = "HEARTBEAT"
	FrameHeartbeatAck       FrameType = "HEARTBEAT_ACK"
	FrameNeedSync           FrameType = "NEED_SYNC"
	FrameBinaryRangeMissing FrameType = "BINARY_RANGE_MISSING"
	FrameBinaryHeadMissing  FrameType = "BINARY_HEAD_MISSING"
)

var (
	// ErrUnknownFrameType is returned by DecodeControl for unrecognized tags.
	ErrUnknownFrameType = errors.New("unknown control frame type")
	// ErrInvalidControl is returned for envelopes whose content does not
	// match the shape implied by their type.
	ErrInvalidControl = errors.New("invalid control frame")
)

// Known reports whether t is a defined frame type.
func (t FrameType) Known() bool {
	switch t {
	case FrameMessage, FrameUpdateUser, FrameNewConnection, FrameNewDisconnection,
		FrameHeartbeat, FrameHeartbeatAck, FrameNeedSync,
		FrameBinaryRangeMissing, FrameBinaryHeadMissing:
		return true
	}
	return false
}

// ClientOriginated reports whether a client may send frames of this type.
func (t FrameType) ClientOriginated() bool {
	switch t {
	case FrameMessage, FrameHeartbeat, FrameHeartbeatAck:
		return true
	}
	return false
}

// RangeMissing describes the first gap found while reassembling a transfer.
type RangeMissing struct {
	ClientID string `json:"clientId"`
	From     int64  `json:"from"`
	Length   int64  `json:"length"`
}

// ControlFrame is the tagged union carried on the text channel. Exactly the
// field matching Type is meaningful:
//
//	MESSAGE                                   -> Message
//	UPDATE_USER, NEW_CONNECTION, NEW_DISCONNECTION -> User
//	HEARTBEAT, HEARTBEAT_ACK                  -> Token
//	BINARY_HEAD_MISSING                       -> ClientID
//	BINARY_RANGE_MISSING                      -> Range
//	NEED_SYNC                                 -> (none)
type ControlFrame struct {
	Type     FrameType
	Message  *Message
	User     *User
	Token    string
	ClientID string
	Range    *RangeMissing
}

type envelope struct {
	Type    FrameType       `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// MessageFrame wraps a chat message.
func MessageFrame(m Message) ControlFrame {
	return ControlFrame{Type: FrameMessage, Message: &m}
}

// UserFrame wraps a user event. t must be UPDATE_USER, NEW_CONNECTION or
// NEW_DISCONNECTION.
func UserFrame(t FrameType, u User) ControlFrame {
	return ControlFrame{Type: t, User: &u}
}

// HeartbeatFrame carries a liveness token to the peer.
func HeartbeatFrame(token string) ControlFrame {
	return ControlFrame{Type: FrameHeartbeat, Token: token}
}

// HeartbeatAckFrame echoes a liveness token back.
func HeartbeatAckFrame(token string) ControlFrame {
	return ControlFrame{Type: FrameHeartbeatAck, Token: token}
}

// NeedSyncFrame tells a client to fetch history explicitly.
func NeedSyncFrame() ControlFrame {
	return ControlFrame{Type: FrameNeedSync}
}

// HeadMissingFrame reports a transfer that was completed without a header.
func HeadMissingFrame(clientID string) ControlFrame {
	return ControlFrame{Type: FrameBinaryHeadMissing, ClientID: clientID}
}

// RangeMissingFrame reports a gap in a transfer.
func RangeMissingFrame(r RangeMissing) ControlFrame {
	return ControlFrame{Type: FrameBinaryRangeMissing, Range: &r}
}

// Encode serializes the frame into its JSON envelope.
func (f ControlFrame) Encode() ([]byte, error) {
	var content any
	switch f.Type {
	case FrameMessage:
		if f.Message == nil {
			return nil, fmt.Errorf("%w: %s without message", ErrInvalidControl, f.Type)
		}
		content = f.Message
	case FrameUpdateUser, FrameNewConnection, FrameNewDisconnection:
		if f.User == nil {
			return nil, fmt.Errorf("%w: %s without user", ErrInvalidControl, f.Type)
		}
		content = f.User
	case FrameHeartbeat, FrameHeartbeatAck:
		content = f.Token
	case FrameBinaryHeadMissing:
		content = f.ClientID
	case FrameBinaryRangeMissing:
		if f.Range == nil {
			return nil, fmt.Errorf("%w: %s without range", ErrInvalidControl, f.Type)
		}
		content = f.Range
	case FrameNeedSync:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}

	env := envelope{Type: f.Type}
	if content != nil {
		raw, err := sonnet.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s content: %w", f.Type, err)
		}
		env.Content = raw
	}
	data, err := sonnet.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control frame: %w", err)
	}
	return data, nil
}

// DecodeControl parses a JSON envelope into a ControlFrame.
// Unknown types yield ErrUnknownFrameType so callers can ignore them.
func DecodeControl(data []byte) (ControlFrame, error) {
	var env envelope
	if err := sonnet.Unmarshal(data, &env); err != nil {
		return ControlFrame{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	f := ControlFrame{Type: env.Type}
	if !env.Type.Known() {
		return f, fmt.Errorf("%w: %q", ErrUnknownFrameType, env.Type)
	}
	if env.Type == FrameNeedSync {
		return f, nil
	}
	if len(env.Content) == 0 {
		return f, fmt.Errorf("%w: %s without content", ErrInvalidControl, env.Type)
	}

	var err error
	switch env.Type {
	case FrameMessage:
		f.Message = &Message{}
		err = sonnet.Unmarshal(env.Content, f.Message)
	case FrameUpdateUser, FrameNewConnection, FrameNewDisconnection:
		f.User = &User{}
		err = sonnet.Unmarshal(env.Content, f.User)
	case FrameHeartbeat, FrameHeartbeatAck:
		err = sonnet.Unmarshal(env.Content, &f.Token)
	case FrameBinaryHeadMissing:
		err = sonnet.Unmarshal(env.Content, &f.ClientID)
	case FrameBinaryRangeMissing:
		f.Range = &RangeMissing{}
		err = sonnet.Unmarshal(env.Content, f.Range)
	}
	if err != nil {
		return f, fmt.Errorf("%w: %s content: %v", ErrInvalidControl, env.Type, err)
	}
	return f, nil
}
