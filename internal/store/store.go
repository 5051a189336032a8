// Package store defines the persistence collaborator for users and messages.
// Backends live in subpackages.
package store

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/relay-chat/pkg/protocol"
)

var (
	// ErrDuplicateClientID is returned by InsertMessage when a message with
	// the same client id was already stored.
	ErrDuplicateClientID = errors.New("duplicate client id")
	// ErrNotFound is returned for unknown users.
	ErrNotFound = errors.New("not found")
)

// DefaultHistoryWindow bounds QueryMessages when no cursor is given.
const DefaultHistoryWindow = 7 * 24 * time.Hour

// NewMessage is a message before the store assigns its id.
type NewMessage struct {
	ClientID        string
	Content         string
	Timestamp       int64
	Type            protocol.MessageType
	AuthorDisplayID string
}

// Query selects messages strictly after a cursor. AfterID wins when both are
// set; with neither, the last DefaultHistoryWindow is returned.
type Query struct {
	AfterTimestamp *int64
	AfterID        *int64
}

// Resolve fills the default timestamp cursor relative to now.
func (q Query) Resolve(now time.Time) Query {
	if q.AfterID == nil && q.AfterTimestamp == nil {
		ts := now.Add(-DefaultHistoryWindow).Unix()
		q.AfterTimestamp = &ts
	}
	return q
}

// UserUpdate carries profile changes. Nil fields are left unchanged.
type UserUpdate struct {
	Name        *string
	DisplayName *string
	Position    *string
	Photo       *string
	Github      *string
	QQ          *string
	WeChat      *string
}

// Apply returns u with the update applied.
func (up UserUpdate) Apply(u protocol.User) protocol.User {
	if up.Name != nil {
		u.Name = *up.Name
	}
	if up.DisplayName != nil {
		u.DisplayName = *up.DisplayName
	}
	if up.Position != nil {
		u.Position = *up.Position
	}
	if up.Photo != nil {
		u.Photo = up.Photo
	}
	if up.Github != nil {
		u.Github = up.Github
	}
	if up.QQ != nil {
		u.QQ = up.QQ
	}
	if up.WeChat != nil {
		u.WeChat = up.WeChat
	}
	return u
}

// Store persists users and messages.
type Store interface {
	// InsertMessage stores m and returns it with id and author filled in.
	InsertMessage(ctx context.Context, m NewMessage) (protocol.Message, error)
	// QueryMessages returns messages after the cursor in ascending id order.
	QueryMessages(ctx context.Context, q Query) ([]protocol.Message, error)
	LookupUser(ctx context.Context, externalID string) (protocol.User, error)
	LookupUserByDisplayID(ctx context.Context, displayID string) (protocol.User, error)
	// CreateUser creates the user for externalID, or returns the existing one.
	CreateUser(ctx context.Context, externalID string) (protocol.User, error)
	UpdateUser(ctx context.Context, displayID string, up UserUpdate) (protocol.User, error)
	SetSyncFailed(ctx context.Context, displayID string, failed bool) error
	Close() error
}

// LookupOrCreateUser returns the user for externalID, creating it on first
// contact.
func LookupOrCreateUser(ctx context.Context, s Store, externalID string) (protocol.User, error) {
	u, err := s.LookupUser(ctx, externalID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return protocol.User{}, err
	}
	return s.CreateUser(ctx, externalID)
}

// NewUser builds the default profile for a first contact: a fresh display
// id and a random "user" name.
func NewUser(externalID string) protocol.User {
	name := RandomName()
	return protocol.User{
		ExternalID:  externalID,
		DisplayID:   uuid.NewString(),
		Name:        name,
		DisplayName: name,
	}
}

// RandomName returns "user" followed by six lowercase letters.
func RandomName() string {
	b := []byte("user")
	for i := 0; i < 6; i++ {
		b = append(b, byte('a'+rand.IntN(26)))
	}
	return string(b)
}
