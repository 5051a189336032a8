package chat_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/chat"
)

// flakyConn fails the first n writes.
type flakyConn struct {
	*mockConn
	failures atomic.Int32
}

func (f *flakyConn) Write(ctx context.Context, kind chat.FrameKind, data []byte) error {
	if f.failures.Add(-1) >= 0 {
		return errBroken
	}
	return f.mockConn.Write(ctx, kind, data)
}

func TestSendWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		attempts  int
		wantErr   bool
		wantWrite int
	}{
		{name: "first attempt", failures: 0, attempts: 3, wantWrite: 1},
		{name: "recovers on last attempt", failures: 2, attempts: 3, wantWrite: 1},
		{name: "exhausted", failures: 5, attempts: 3, wantErr: true, wantWrite: 0},
		{name: "single attempt", failures: 1, attempts: 1, wantErr: true, wantWrite: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &flakyConn{mockConn: newMockConn("")}
			conn.failures.Store(tt.failures)
			s := chat.NewSession(context.Background(), "ext", user("d1"), conn)
			tracker := chat.NewTracker(nil, zap.NewNop(), chat.WithAttempts(tt.attempts), chat.WithBackoff(time.Millisecond))

			err := tracker.SendWithRetry(context.Background(), s, []byte(`{"type":"NEED_SYNC"}`))
			if tt.wantErr {
				require.ErrorIs(t, err, chat.ErrDeliveryFailed)
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, conn.Frames(t), tt.wantWrite)
		})
	}
}

func TestSendWithRetry_StopsOnCancel(t *testing.T) {
	conn := newMockConn("")
	conn.setWriteErr(errBroken)
	s := chat.NewSession(context.Background(), "ext", user("d1"), conn)
	tracker := chat.NewTracker(nil, zap.NewNop(), chat.WithAttempts(10), chat.WithBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tracker.SendWithRetry(ctx, s, []byte("x")) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, chat.ErrDeliveryFailed)
	case <-time.After(time.Second):
		t.Fatal("SendWithRetry did not return after cancel")
	}
	assert.Equal(t, 1, conn.Writes())
}

func TestSendWithRetry_StopsOnSessionClose(t *testing.T) {
	conn := newMockConn("")
	conn.setWriteErr(errBroken)
	s := chat.NewSession(context.Background(), "ext", user("d1"), conn)
	tracker := chat.NewTracker(nil, zap.NewNop(), chat.WithAttempts(10), chat.WithBackoff(time.Hour))

	done := make(chan error, 1)
	go func() { done <- tracker.SendWithRetry(context.Background(), s, []byte("x")) }()

	time.Sleep(20 * time.Millisecond)
	_ = s.Close(chat.CloseNormal, "")

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendWithRetry did not return after session close")
	}
}

func TestSendWithRetry_AttemptTimeout(t *testing.T) {
	conn := newMockConn("")
	conn.blockWrite = true
	s := chat.NewSession(context.Background(), "ext", user("d1"), conn)
	tracker := chat.NewTracker(nil, zap.NewNop(),
		chat.WithAttempts(2),
		chat.WithBackoff(time.Millisecond),
		chat.WithWriteTimeout(10*time.Millisecond))

	start := time.Now()
	err := tracker.SendWithRetry(context.Background(), s, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrDeliveryFailed))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 2, conn.Writes())
}

func TestDeliver_CancelledContextDoesNotFlag(t *testing.T) {
	flags := &fakeFlags{}
	conn := newMockConn("")
	conn.setWriteErr(errBroken)
	s := chat.NewSession(context.Background(), "ext", user("d1"), conn)
	tracker := chat.NewTracker(flags, zap.NewNop(), chat.WithBackoff(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tracker.Deliver(ctx, s, []byte("x"))
	tracker.Wait()

	assert.False(t, s.SyncFailed())
	assert.Empty(t, flags.Calls())
}
