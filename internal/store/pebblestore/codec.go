package pebblestore

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// Field numbers of the user record.
const (
	userExternalID protowire.Number = iota + 1
	userDisplayID
	userName
	userDisplayName
	userPosition
	userPhoto
	userGithub
	userQQ
	userWeChat
	userLastSyncFailed
)

// Field numbers of the message record.
const (
	msgID protowire.Number = iota + 1
	msgClientID
	msgContent
	msgTimestamp
	msgType
	msgAuthor
)

var errCorruptRecord = errors.New("corrupt record")

// messageRecord is a stored message; the author is kept by display id.
type messageRecord struct {
	ID              int64
	ClientID        string
	Content         string
	Timestamp       int64
	Type            protocol.MessageType
	AuthorDisplayID string
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendOptString(b []byte, num protowire.Number, s *string) []byte {
	if s == nil {
		return b
	}
	return appendString(b, num, *s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeUser(u protocol.User) []byte {
	var b []byte
	b = appendString(b, userExternalID, u.ExternalID)
	b = appendString(b, userDisplayID, u.DisplayID)
	b = appendString(b, userName, u.Name)
	b = appendString(b, userDisplayName, u.DisplayName)
	b = appendString(b, userPosition, u.Position)
	b = appendOptString(b, userPhoto, u.Photo)
	b = appendOptString(b, userGithub, u.Github)
	b = appendOptString(b, userQQ, u.QQ)
	b = appendOptString(b, userWeChat, u.WeChat)
	b = appendVarint(b, userLastSyncFailed, protowire.EncodeBool(u.LastSyncFailed))
	return b
}

// walk calls fn for every field in b. fn consumes the value and returns the
// number of bytes read, or a negative protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", errCorruptRecord, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func decodeUser(b []byte) (protocol.User, error) {
	var u protocol.User
	str := func(dst *string, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return 0
		}
		v, n := protowire.ConsumeString(b)
		if n >= 0 {
			*dst = v
		}
		return n
	}
	opt := func(dst **string, typ protowire.Type, b []byte) int {
		var v string
		n := str(&v, typ, b)
		if n > 0 {
			*dst = &v
		}
		return n
	}

	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case userExternalID:
			return str(&u.ExternalID, typ, b)
		case userDisplayID:
			return str(&u.DisplayID, typ, b)
		case userName:
			return str(&u.Name, typ, b)
		case userDisplayName:
			return str(&u.DisplayName, typ, b)
		case userPosition:
			return str(&u.Position, typ, b)
		case userPhoto:
			return opt(&u.Photo, typ, b)
		case userGithub:
			return opt(&u.Github, typ, b)
		case userQQ:
			return opt(&u.QQ, typ, b)
		case userWeChat:
			return opt(&u.WeChat, typ, b)
		case userLastSyncFailed:
			if typ != protowire.VarintType {
				return 0
			}
			v, n := protowire.ConsumeVarint(b)
			u.LastSyncFailed = protowire.DecodeBool(v)
			return n
		}
		return 0
	})
	return u, err
}

func encodeMessage(m messageRecord) []byte {
	var b []byte
	b = appendVarint(b, msgID, uint64(m.ID))
	b = appendString(b, msgClientID, m.ClientID)
	b = appendString(b, msgContent, m.Content)
	b = appendVarint(b, msgTimestamp, uint64(m.Timestamp))
	b = appendVarint(b, msgType, uint64(m.Type))
	b = appendString(b, msgAuthor, m.AuthorDisplayID)
	return b
}

func decodeMessage(b []byte) (messageRecord, error) {
	var m messageRecord
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case msgClientID, msgContent, msgAuthor:
			if typ != protowire.BytesType {
				return 0
			}
			v, n := protowire.ConsumeString(b)
			switch num {
			case msgClientID:
				m.ClientID = v
			case msgContent:
				m.Content = v
			default:
				m.AuthorDisplayID = v
			}
			return n
		case msgID, msgTimestamp, msgType:
			if typ != protowire.VarintType {
				return 0
			}
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case msgID:
				m.ID = int64(v)
			case msgTimestamp:
				m.Timestamp = int64(v)
			default:
				m.Type = protocol.MessageType(v)
			}
			return n
		}
		return 0
	})
	return m, err
}
