package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// ReasonMultipleConnections is sent when a newer connection for the same
// identity replaces a session.
const ReasonMultipleConnections = "multiple connections for id"

// Session is one live connection bound to an identity.
type Session struct {
	ExternalID string

	conn Conn

	userMu sync.RWMutex
	user   protocol.User

	writeMu    sync.Mutex
	syncFailed atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewSession binds conn to user. The session context is derived from ctx and
// is cancelled when the session is closed.
func NewSession(ctx context.Context, externalID string, user protocol.User, conn Conn) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ExternalID: externalID,
		conn:       conn,
		user:       user,
		ctx:        sctx,
		cancel:     cancel,
	}
	s.syncFailed.Store(user.LastSyncFailed)
	return s
}

// DisplayID returns the public id of the session's user.
func (s *Session) DisplayID() string {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.user.DisplayID
}

// User returns a copy of the session's user.
func (s *Session) User() protocol.User {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.user
}

// SetUser replaces the cached profile. The display id never changes.
func (s *Session) SetUser(u protocol.User) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	u.DisplayID = s.user.DisplayID
	s.user = u
}

// Conn returns the underlying connection.
func (s *Session) Conn() Conn { return s.conn }

// Context is cancelled once the session is closed.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// SyncFailed reports whether broadcasts to this session are replaced by
// NEED_SYNC.
func (s *Session) SyncFailed() bool { return s.syncFailed.Load() }

// MarkSyncFailed sets the flag and reports whether it was newly set.
func (s *Session) MarkSyncFailed() bool { return s.syncFailed.CompareAndSwap(false, true) }

// ClearSyncFailed resets the flag.
func (s *Session) ClearSyncFailed() { s.syncFailed.Store(false) }

// Write sends one frame. Writes to a session are serialized.
func (s *Session) Write(ctx context.Context, kind FrameKind, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("session closed: %w", err)
	}
	return s.conn.Write(ctx, kind, data)
}

// WriteControl encodes f and writes it on the text channel.
func (s *Session) WriteControl(ctx context.Context, f protocol.ControlFrame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return s.Write(ctx, FrameText, data)
}

// Close closes the connection once; later calls return the first result.
func (s *Session) Close(reason CloseReason, message string) error {
	s.closeOnce.Do(func() {
		// Close the transport before cancelling so the peer sees reason
		// rather than a close caused by the aborted read.
		s.closeErr = s.conn.Close(reason, message)
		s.cancel()
	})
	return s.closeErr
}
