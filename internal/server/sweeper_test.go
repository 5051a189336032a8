package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/reassembly"
	"github.com/omochice/relay-chat/internal/server"
	"github.com/omochice/relay-chat/pkg/protocol"
)

func TestNewSweeper_InvalidCron(t *testing.T) {
	_, err := server.NewSweeper(reassembly.New(), "every minute", time.Minute, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestSweeper_RunOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine := reassembly.New(reassembly.WithClock(func() time.Time { return now }))

	stale := uuid.NewString()
	require.NoError(t, engine.Append(&protocol.HeaderFrame{ClientID: stale, Type: protocol.MessageTypeImage, Length: 4}))
	now = now.Add(11 * time.Minute)
	fresh := uuid.NewString()
	require.NoError(t, engine.Append(&protocol.TailFrame{ClientID: fresh}))

	sweeper, err := server.NewSweeper(engine, "*/5 * * * *", 10*time.Minute, nil, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 1, sweeper.RunOnce())
	_, ok := engine.Lookup(stale)
	assert.False(t, ok)
	_, ok = engine.Lookup(fresh)
	assert.True(t, ok)
	assert.Equal(t, 0, sweeper.RunOnce())
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	sweeper, err := server.NewSweeper(reassembly.New(), "* * * * *", time.Minute, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
