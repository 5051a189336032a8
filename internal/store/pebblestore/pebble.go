// Package pebblestore implements store.Store on an embedded Pebble database.
//
// Key layout:
//
//	u:ext:<externalId>          -> displayId
//	u:disp:<displayId>          -> user record
//	m:id:<id>                   -> message record
//	m:cid:<clientId>            -> id
//	m:ts:<timestamp>:<id>       -> (empty)
//	seq:message                 -> last assigned id
//
// Numbers in keys are zero-padded to 20 digits so byte order is numeric order.
package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	pebble "github.com/cockroachdb/pebble"

	"github.com/omochice/relay-chat/internal/store"
	"github.com/omochice/relay-chat/pkg/protocol"
)

const (
	prefixUserExternal = "u:ext:"
	prefixUserDisplay  = "u:disp:"
	prefixMessageID    = "m:id:"
	prefixMessageCID   = "m:cid:"
	prefixMessageTS    = "m:ts:"
	keyMessageSeq      = "seq:message"
)

// Store is a Pebble-backed store.Store.
type Store struct {
	db  *pebble.DB
	now func() time.Time

	// mu serializes read-modify-write sequences.
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func pad(n int64) string {
	return fmt.Sprintf("%020d", n)
}

func idKey(id int64) []byte { return []byte(prefixMessageID + pad(id)) }

func tsKey(ts, id int64) []byte { return []byte(prefixMessageTS + pad(ts) + ":" + pad(id)) }

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	b[len(b)-1]++
	return b
}

func (s *Store) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) userByDisplay(displayID string) (protocol.User, error) {
	v, err := s.get([]byte(prefixUserDisplay + displayID))
	if err != nil {
		return protocol.User{}, err
	}
	return decodeUser(v)
}

// LookupUser implements store.Store.
func (s *Store) LookupUser(_ context.Context, externalID string) (protocol.User, error) {
	displayID, err := s.get([]byte(prefixUserExternal + externalID))
	if err != nil {
		return protocol.User{}, err
	}
	return s.userByDisplay(string(displayID))
}

// LookupUserByDisplayID implements store.Store.
func (s *Store) LookupUserByDisplayID(_ context.Context, displayID string) (protocol.User, error) {
	return s.userByDisplay(displayID)
}

// CreateUser implements store.Store.
func (s *Store) CreateUser(ctx context.Context, externalID string) (protocol.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, err := s.LookupUser(ctx, externalID); err == nil {
		return u, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return protocol.User{}, err
	}

	u := store.NewUser(externalID)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(prefixUserExternal+externalID), []byte(u.DisplayID), nil); err != nil {
		return protocol.User{}, err
	}
	if err := b.Set([]byte(prefixUserDisplay+u.DisplayID), encodeUser(u), nil); err != nil {
		return protocol.User{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return protocol.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

func (s *Store) modifyUser(displayID string, fn func(protocol.User) protocol.User) (protocol.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.userByDisplay(displayID)
	if err != nil {
		return protocol.User{}, err
	}
	u = fn(u)
	if err := s.db.Set([]byte(prefixUserDisplay+displayID), encodeUser(u), pebble.Sync); err != nil {
		return protocol.User{}, fmt.Errorf("failed to update user: %w", err)
	}
	return u, nil
}

// UpdateUser implements store.Store.
func (s *Store) UpdateUser(_ context.Context, displayID string, up store.UserUpdate) (protocol.User, error) {
	return s.modifyUser(displayID, up.Apply)
}

// SetSyncFailed implements store.Store.
func (s *Store) SetSyncFailed(_ context.Context, displayID string, failed bool) error {
	_, err := s.modifyUser(displayID, func(u protocol.User) protocol.User {
		u.LastSyncFailed = failed
		return u
	})
	return err
}

func (s *Store) nextID() (int64, error) {
	v, err := s.get([]byte(keyMessageSeq))
	if errors.Is(err, store.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%w: sequence", errCorruptRecord)
	}
	return int64(binary.BigEndian.Uint64(v)) + 1, nil
}

// InsertMessage implements store.Store.
func (s *Store) InsertMessage(_ context.Context, nm store.NewMessage) (protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get([]byte(prefixMessageCID + nm.ClientID)); err == nil {
		return protocol.Message{}, fmt.Errorf("%w: %s", store.ErrDuplicateClientID, nm.ClientID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return protocol.Message{}, err
	}
	author, err := s.userByDisplay(nm.AuthorDisplayID)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to load author %s: %w", nm.AuthorDisplayID, err)
	}
	id, err := s.nextID()
	if err != nil {
		return protocol.Message{}, err
	}

	rec := messageRecord{
		ID:              id,
		ClientID:        nm.ClientID,
		Content:         nm.Content,
		Timestamp:       nm.Timestamp,
		Type:            nm.Type,
		AuthorDisplayID: nm.AuthorDisplayID,
	}
	seq := binary.BigEndian.AppendUint64(nil, uint64(id))

	b := s.db.NewBatch()
	defer b.Close()
	for _, kv := range [][2][]byte{
		{idKey(id), encodeMessage(rec)},
		{[]byte(prefixMessageCID + nm.ClientID), []byte(strconv.FormatInt(id, 10))},
		{tsKey(nm.Timestamp, id), nil},
		{[]byte(keyMessageSeq), seq},
	} {
		if err := b.Set(kv[0], kv[1], nil); err != nil {
			return protocol.Message{}, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return protocol.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	return protocol.Message{
		ID:        id,
		ClientID:  nm.ClientID,
		Content:   nm.Content,
		Timestamp: nm.Timestamp,
		Type:      nm.Type,
		Author:    author,
	}, nil
}

// QueryMessages implements store.Store.
func (s *Store) QueryMessages(ctx context.Context, q store.Query) ([]protocol.Message, error) {
	q = q.Resolve(s.now())
	// Nothing sorts after the largest cursor; the +1 below would wrap.
	if (q.AfterID != nil && *q.AfterID == math.MaxInt64) ||
		(q.AfterID == nil && *q.AfterTimestamp == math.MaxInt64) {
		return nil, nil
	}

	var ids []int64
	var err error
	if q.AfterID != nil {
		ids, err = s.scanIDs(idKey(*q.AfterID+1), upperBound(prefixMessageID), func(key []byte) (int64, error) {
			return strconv.ParseInt(string(key[len(prefixMessageID):]), 10, 64)
		})
	} else {
		ids, err = s.scanIDs(tsKey(*q.AfterTimestamp+1, 0), upperBound(prefixMessageTS), func(key []byte) (int64, error) {
			k := key[len(prefixMessageTS):]
			return strconv.ParseInt(string(k[len(k)-20:]), 10, 64)
		})
	}
	if err != nil {
		return nil, err
	}
	if q.AfterID == nil {
		// The timestamp index is ordered by time first.
		slices.Sort(ids)
	}

	authors := make(map[string]protocol.User)
	out := make([]protocol.Message, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := s.get(idKey(id))
		if err != nil {
			return nil, fmt.Errorf("failed to load message %d: %w", id, err)
		}
		rec, err := decodeMessage(v)
		if err != nil {
			return nil, err
		}
		author, ok := authors[rec.AuthorDisplayID]
		if !ok {
			author, err = s.userByDisplay(rec.AuthorDisplayID)
			if err != nil {
				return nil, fmt.Errorf("failed to load author of message %d: %w", id, err)
			}
			authors[rec.AuthorDisplayID] = author
		}
		out = append(out, protocol.Message{
			ID:        rec.ID,
			ClientID:  rec.ClientID,
			Content:   rec.Content,
			Timestamp: rec.Timestamp,
			Type:      rec.Type,
			Author:    author,
		})
	}
	return out, nil
}

func (s *Store) scanIDs(lower, upper []byte, parse func(key []byte) (int64, error)) ([]int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []int64
	for ok := iter.First(); ok; ok = iter.Next() {
		id, err := parse(iter.Key())
		if err != nil {
			return nil, fmt.Errorf("%w: key %q", errCorruptRecord, iter.Key())
		}
		ids = append(ids, id)
	}
	return ids, iter.Error()
}
