// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/relay-chat/internal/store"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// Run exercises a backend. open must return a fresh, empty store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("CreateUser", func(t *testing.T) { testCreateUser(t, open(t)) })
	t.Run("UpdateUser", func(t *testing.T) { testUpdateUser(t, open(t)) })
	t.Run("SetSyncFailed", func(t *testing.T) { testSetSyncFailed(t, open(t)) })
	t.Run("InsertMessage", func(t *testing.T) { testInsertMessage(t, open(t)) })
	t.Run("DuplicateClientID", func(t *testing.T) { testDuplicateClientID(t, open(t)) })
	t.Run("QueryMessages", func(t *testing.T) { testQueryMessages(t, open(t)) })
}

var defaultName = regexp.MustCompile(`^user[a-z]{6}$`)

func testCreateUser(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.LookupUser(ctx, "ext-1")
	require.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	u, err := store.LookupOrCreateUser(ctx, s, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", u.ExternalID)
	assert.Len(t, u.DisplayID, 36)
	assert.Regexp(t, defaultName, u.Name)
	assert.Equal(t, u.Name, u.DisplayName)
	assert.Empty(t, u.Position)
	assert.Nil(t, u.Photo)
	assert.False(t, u.LastSyncFailed)

	again, err := s.CreateUser(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, u.DisplayID, again.DisplayID, "one user per external id")

	byDisplay, err := s.LookupUserByDisplayID(ctx, u.DisplayID)
	require.NoError(t, err)
	assert.Equal(t, u, byDisplay)

	other, err := s.CreateUser(ctx, "ext-2")
	require.NoError(t, err)
	assert.NotEqual(t, u.DisplayID, other.DisplayID)
}

func testUpdateUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "ext-1")
	require.NoError(t, err)

	name, position, github := "alice", "backend", "alice-gh"
	updated, err := s.UpdateUser(ctx, u.DisplayID, store.UserUpdate{
		Name:     &name,
		Position: &position,
		Github:   &github,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.Name)
	assert.Equal(t, u.DisplayName, updated.DisplayName, "unset fields unchanged")
	require.NotNil(t, updated.Github)
	assert.Equal(t, "alice-gh", *updated.Github)
	assert.Nil(t, updated.QQ)

	photo := "abc123"
	_, err = s.UpdateUser(ctx, u.DisplayID, store.UserUpdate{Photo: &photo})
	require.NoError(t, err)

	got, err := s.LookupUser(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, "backend", got.Position)
	require.NotNil(t, got.Photo)
	assert.Equal(t, "abc123", *got.Photo)
	assert.Equal(t, u.DisplayID, got.DisplayID)

	_, err = s.UpdateUser(ctx, "missing", store.UserUpdate{Name: &name})
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func testSetSyncFailed(t *testing.T, s store.Store) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "ext-1")
	require.NoError(t, err)

	require.NoError(t, s.SetSyncFailed(ctx, u.DisplayID, true))
	got, err := s.LookupUser(ctx, "ext-1")
	require.NoError(t, err)
	assert.True(t, got.LastSyncFailed)

	require.NoError(t, s.SetSyncFailed(ctx, u.DisplayID, false))
	got, err = s.LookupUser(ctx, "ext-1")
	require.NoError(t, err)
	assert.False(t, got.LastSyncFailed)
}

func testInsertMessage(t *testing.T, s store.Store) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "ext-1")
	require.NoError(t, err)

	now := time.Now().Unix()
	first, err := s.InsertMessage(ctx, store.NewMessage{
		ClientID: clientID(1), Content: "hello", Timestamp: now,
		Type: protocol.MessageTypeTextPlain, AuthorDisplayID: u.DisplayID,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", first.Content)
	assert.Equal(t, u.DisplayID, first.Author.DisplayID)
	assert.Equal(t, u.Name, first.Author.Name)

	second, err := s.InsertMessage(ctx, store.NewMessage{
		ClientID: clientID(2), Content: "deadbeef|a.txt", Timestamp: now,
		Type: protocol.MessageTypeFile, AuthorDisplayID: u.DisplayID,
	})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID, "ids are monotonic")
	assert.Equal(t, protocol.MessageTypeFile, second.Type)
}

func testDuplicateClientID(t *testing.T, s store.Store) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "ext-1")
	require.NoError(t, err)

	nm := store.NewMessage{
		ClientID: clientID(1), Content: "once", Timestamp: time.Now().Unix(),
		Type: protocol.MessageTypeTextPlain, AuthorDisplayID: u.DisplayID,
	}
	_, err = s.InsertMessage(ctx, nm)
	require.NoError(t, err)

	nm.Content = "twice"
	_, err = s.InsertMessage(ctx, nm)
	require.True(t, errors.Is(err, store.ErrDuplicateClientID), "got %v", err)

	all, err := s.QueryMessages(ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "once", all[0].Content)
}

func testQueryMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "ext-1")
	require.NoError(t, err)

	now := time.Now().Unix()
	old := now - int64((8 * 24 * time.Hour).Seconds())
	timestamps := []int64{old, now - 30, now - 20, now - 10}
	var ids []int64
	for i, ts := range timestamps {
		m, err := s.InsertMessage(ctx, store.NewMessage{
			ClientID: clientID(i), Content: fmt.Sprintf("m%d", i), Timestamp: ts,
			Type: protocol.MessageTypeTextPlain, AuthorDisplayID: u.DisplayID,
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	contents := func(ms []protocol.Message) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.Content
		}
		return out
	}

	t.Run("default window", func(t *testing.T) {
		got, err := s.QueryMessages(ctx, store.Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2", "m3"}, contents(got))
	})

	t.Run("after timestamp is exclusive", func(t *testing.T) {
		after := now - 20
		got, err := s.QueryMessages(ctx, store.Query{AfterTimestamp: &after})
		require.NoError(t, err)
		assert.Equal(t, []string{"m3"}, contents(got))
	})

	t.Run("after id", func(t *testing.T) {
		got, err := s.QueryMessages(ctx, store.Query{AfterID: &ids[0]})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2", "m3"}, contents(got))
		for _, m := range got {
			assert.Equal(t, u.DisplayID, m.Author.DisplayID)
		}
	})

	t.Run("after id wins over timestamp", func(t *testing.T) {
		after := now
		got, err := s.QueryMessages(ctx, store.Query{AfterID: &ids[2], AfterTimestamp: &after})
		require.NoError(t, err)
		assert.Equal(t, []string{"m3"}, contents(got))
	})

	t.Run("after last id", func(t *testing.T) {
		got, err := s.QueryMessages(ctx, store.Query{AfterID: &ids[3]})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("cursor at the int64 limit", func(t *testing.T) {
		limit := int64(math.MaxInt64)
		got, err := s.QueryMessages(ctx, store.Query{AfterID: &limit})
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.QueryMessages(ctx, store.Query{AfterTimestamp: &limit})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func clientID(i int) string {
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", i)
}
