package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/metrics"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// DefaultHeartbeatPeriod is used when no period is configured.
const DefaultHeartbeatPeriod = 30 * time.Second

// ErrHeartbeatTimeout is returned when a tick finds the previous heartbeat
// still unacknowledged.
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// HeartbeatMismatchError reports an ACK whose token is not the outstanding one.
// Want is empty when no heartbeat was outstanding.
type HeartbeatMismatchError struct {
	Want string
	Got  string
}

func (e *HeartbeatMismatchError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("heartbeat mismatch: ack %q with no heartbeat outstanding", e.Got)
	}
	return fmt.Sprintf("heartbeat mismatch: want %q, got %q", e.Want, e.Got)
}

// HeartbeatState is the liveness state of one connection.
type HeartbeatState int

const (
	StateIdle HeartbeatState = iota
	StateAwaitingAck
)

func (s HeartbeatState) String() string {
	if s == StateAwaitingAck {
		return "AWAITING_ACK"
	}
	return "IDLE"
}

// Monitor runs the heartbeat state machine of one session.
type Monitor struct {
	session *Session
	period  time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger

	mu    sync.Mutex
	state HeartbeatState
	token string
}

// NewMonitor creates a Monitor in the IDLE state.
func NewMonitor(s *Session, period time.Duration, m *metrics.Metrics, log *zap.Logger) *Monitor {
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	return &Monitor{session: s, period: period, metrics: m, log: log}
}

// State returns the current state.
func (m *Monitor) State() HeartbeatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run ticks every period until ctx is done or the peer times out.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := m.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick advances the state machine by one period. A tick while awaiting an
// ACK closes the session and returns ErrHeartbeatTimeout; otherwise a new
// HEARTBEAT is sent.
func (m *Monitor) Tick(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateAwaitingAck {
		m.mu.Unlock()
		m.metrics.HeartbeatFailure("timeout")
		m.log.Info("heartbeat timeout", zap.String("display_id", m.session.DisplayID()))
		_ = m.session.Close(CloseTimeout, "heartbeat timeout")
		return ErrHeartbeatTimeout
	}
	token := uuid.NewString()
	m.token = token
	m.state = StateAwaitingAck
	m.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, m.period)
	defer cancel()
	if err := m.session.WriteControl(wctx, protocol.HeartbeatFrame(token)); err != nil {
		// The next tick turns a lost heartbeat into a timeout.
		m.log.Debug("failed to send heartbeat", zap.Error(err))
	}
	return nil
}

// Ack handles a HEARTBEAT_ACK from the peer. A token that does not match the
// outstanding heartbeat closes the session as a protocol violation.
func (m *Monitor) Ack(token string) error {
	m.mu.Lock()
	if m.state == StateAwaitingAck && token == m.token {
		m.state = StateIdle
		m.token = ""
		m.mu.Unlock()
		return nil
	}
	err := &HeartbeatMismatchError{Want: m.token, Got: token}
	m.mu.Unlock()

	m.metrics.HeartbeatFailure("mismatch")
	m.log.Info("heartbeat mismatch",
		zap.String("display_id", m.session.DisplayID()),
		zap.String("want", err.Want),
		zap.String("got", err.Got))
	_ = m.session.Close(CloseProtocolViolation, "heartbeat mismatch")
	return err
}
