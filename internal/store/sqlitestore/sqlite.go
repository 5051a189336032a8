// Package sqlitestore implements store.Store on SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/omochice/relay-chat/internal/store"
	"github.com/omochice/relay-chat/pkg/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	external_id      TEXT PRIMARY KEY,
	display_id       TEXT NOT NULL UNIQUE,
	name             TEXT NOT NULL,
	display_name     TEXT NOT NULL,
	position         TEXT NOT NULL DEFAULT '',
	photo            TEXT,
	github           TEXT,
	qq               TEXT,
	wechat           TEXT,
	last_sync_failed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id         TEXT NOT NULL UNIQUE,
	content           TEXT NOT NULL,
	timestamp         INTEGER NOT NULL,
	type              INTEGER NOT NULL,
	author_display_id TEXT NOT NULL REFERENCES users(display_id)
);
CREATE INDEX IF NOT EXISTS messages_timestamp ON messages(timestamp);
`

const userColumns = `external_id, display_id, name, display_name, position, photo, github, qq, wechat, last_sync_failed`

// Store is a SQLite-backed store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens the database at path and creates the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite at %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY conflict; external_id is
// the primary key of users, client_id a unique column of messages.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (protocol.User, error) {
	var u protocol.User
	var photo, github, qq, wechat sql.NullString
	err := row.Scan(&u.ExternalID, &u.DisplayID, &u.Name, &u.DisplayName, &u.Position,
		&photo, &github, &qq, &wechat, &u.LastSyncFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.User{}, store.ErrNotFound
	}
	if err != nil {
		return protocol.User{}, err
	}
	u.Photo = nullable(photo)
	u.Github = nullable(github)
	u.QQ = nullable(qq)
	u.WeChat = nullable(wechat)
	return u, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// LookupUser implements store.Store.
func (s *Store) LookupUser(ctx context.Context, externalID string) (protocol.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = ?`, externalID))
}

// LookupUserByDisplayID implements store.Store.
func (s *Store) LookupUserByDisplayID(ctx context.Context, displayID string) (protocol.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE display_id = ?`, displayID))
}

// CreateUser implements store.Store.
func (s *Store) CreateUser(ctx context.Context, externalID string) (protocol.User, error) {
	u := store.NewUser(externalID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (external_id, display_id, name, display_name, position) VALUES (?, ?, ?, ?, ?)`,
		u.ExternalID, u.DisplayID, u.Name, u.DisplayName, u.Position)
	if isUniqueViolation(err) {
		return s.LookupUser(ctx, externalID)
	}
	if err != nil {
		return protocol.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// UpdateUser implements store.Store.
func (s *Store) UpdateUser(ctx context.Context, displayID string, up store.UserUpdate) (protocol.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.User{}, err
	}
	defer tx.Rollback()

	u, err := scanUser(tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE display_id = ?`, displayID))
	if err != nil {
		return protocol.User{}, err
	}
	u = up.Apply(u)
	_, err = tx.ExecContext(ctx,
		`UPDATE users SET name = ?, display_name = ?, position = ?, photo = ?, github = ?, qq = ?, wechat = ?
		 WHERE display_id = ?`,
		u.Name, u.DisplayName, u.Position,
		nullString(u.Photo), nullString(u.Github), nullString(u.QQ), nullString(u.WeChat),
		displayID)
	if err != nil {
		return protocol.User{}, fmt.Errorf("failed to update user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return protocol.User{}, err
	}
	return u, nil
}

// SetSyncFailed implements store.Store.
func (s *Store) SetSyncFailed(ctx context.Context, displayID string, failed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_sync_failed = ? WHERE display_id = ?`, failed, displayID)
	if err != nil {
		return fmt.Errorf("failed to set sync flag: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InsertMessage implements store.Store.
func (s *Store) InsertMessage(ctx context.Context, nm store.NewMessage) (protocol.Message, error) {
	author, err := s.LookupUserByDisplayID(ctx, nm.AuthorDisplayID)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to load author %s: %w", nm.AuthorDisplayID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (client_id, content, timestamp, type, author_display_id) VALUES (?, ?, ?, ?, ?)`,
		nm.ClientID, nm.Content, nm.Timestamp, int(nm.Type), nm.AuthorDisplayID)
	if isUniqueViolation(err) {
		return protocol.Message{}, fmt.Errorf("%w: %s", store.ErrDuplicateClientID, nm.ClientID)
	}
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.Message{}, err
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

	query := `SELECT m.id, m.client_id, m.content, m.timestamp, m.type,
		u.external_id, u.display_id, u.name, u.display_name, u.position, u.photo, u.github, u.qq, u.wechat, u.last_sync_failed
		FROM messages m JOIN users u ON u.display_id = m.author_display_id `
	var arg int64
	if q.AfterID != nil {
		query += `WHERE m.id > ? ORDER BY m.id`
		arg = *q.AfterID
	} else {
		query += `WHERE m.timestamp > ? ORDER BY m.id`
		arg = *q.AfterTimestamp
	}

	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []protocol.Message
	for rows.Next() {
		var (
			m   protocol.Message
			typ int
		)
		author := &messageAuthor{rows: rows, dest: []any{&m.ID, &m.ClientID, &m.Content, &m.Timestamp, &typ}}
		u, err := scanUser(author)
		if err != nil {
			return nil, err
		}
		m.Type = protocol.MessageType(typ)
		m.Author = u
		out = append(out, m)
	}
	return out, rows.Err()
}

// messageAuthor prepends the message columns to a user scan.
type messageAuthor struct {
	rows *sql.Rows
	dest []any
}

func (a *messageAuthor) Scan(dest ...any) error {
	return a.rows.Scan(append(a.dest, dest...)...)
}
