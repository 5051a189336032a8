package chat_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/pkg/protocol"
)

type frame struct {
	kind chat.FrameKind
	data []byte
}

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan frame
	remoteAddr string

	mu         sync.Mutex
	written    []frame
	writeErr   error
	writeCalls int
	closes     []chat.CloseReason
	closeMsgs  []string
	closed     chan struct{}
	blockWrite bool
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan frame, 10),
		remoteAddr: addr,
		closed:     make(chan struct{}),
	}
}

func (m *mockConn) Read(ctx context.Context) (chat.FrameKind, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-m.closed:
		return 0, nil, io.EOF
	case f, ok := <-m.readCh:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.kind, f.data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, kind chat.FrameKind, data []byte) error {
	m.mu.Lock()
	m.writeCalls++
	err := m.writeErr
	block := m.blockWrite
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, frame{kind: kind, data: copied})
	return nil
}

func (m *mockConn) Close(reason chat.CloseReason, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.closes) == 0 {
		close(m.closed)
	}
	m.closes = append(m.closes, reason)
	m.closeMsgs = append(m.closeMsgs, message)
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) setWriteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *mockConn) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCalls
}

func (m *mockConn) Closes() []chat.CloseReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.CloseReason(nil), m.closes...)
}

// Frames decodes every text frame written so far.
func (m *mockConn) Frames(t *testing.T) []protocol.ControlFrame {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.ControlFrame
	for _, f := range m.written {
		require.Equal(t, chat.FrameText, f.kind)
		cf, err := protocol.DecodeControl(f.data)
		require.NoError(t, err)
		out = append(out, cf)
	}
	return out
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)

var errBroken = errors.New("broken pipe")

func user(displayID string) protocol.User {
	return protocol.User{DisplayID: displayID, Name: "user" + displayID, DisplayName: "user" + displayID}
}

func TestFrameKind_String(t *testing.T) {
	tests := []struct {
		kind chat.FrameKind
		want string
	}{
		{chat.FrameText, "text"},
		{chat.FrameBinary, "binary"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("String() = %v, want %v", got, tt.want)
		}
	}
}

func TestSession_CloseOnce(t *testing.T) {
	conn := newMockConn("127.0.0.1:1234")
	s := chat.NewSession(context.Background(), "ext", user("d1"), conn)

	require.NoError(t, s.Close(chat.CloseNormal, "bye"))
	require.NoError(t, s.Close(chat.CloseTimeout, "again"))

	if got := conn.Closes(); len(got) != 1 || got[0] != chat.CloseNormal {
		t.Errorf("Closes() = %v, want [normal]", got)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Close")
	}
	if err := s.Write(context.Background(), chat.FrameText, []byte("x")); err == nil {
		t.Error("Write() after Close succeeded, want error")
	}
}

func TestSession_SetUserKeepsDisplayID(t *testing.T) {
	s := chat.NewSession(context.Background(), "ext", user("d1"), newMockConn(""))
	s.SetUser(protocol.User{DisplayID: "other", Name: "renamed"})

	got := s.User()
	if got.DisplayID != "d1" || got.Name != "renamed" {
		t.Errorf("User() = %+v, want display id d1 and name renamed", got)
	}
}

func TestSession_SyncFailedFromUser(t *testing.T) {
	u := user("d1")
	u.LastSyncFailed = true
	s := chat.NewSession(context.Background(), "ext", u, newMockConn(""))

	if !s.SyncFailed() {
		t.Fatal("SyncFailed() = false, want true")
	}
	if s.MarkSyncFailed() {
		t.Error("MarkSyncFailed() = true on flagged session, want false")
	}
	s.ClearSyncFailed()
	if s.SyncFailed() {
		t.Error("SyncFailed() = true after clear, want false")
	}
}
