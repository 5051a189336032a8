package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/metrics"
)

// ErrDeliveryFailed is wrapped by SendWithRetry once every attempt failed.
var ErrDeliveryFailed = errors.New("delivery failed")

// SyncFlagStore persists the per-user resync marker.
type SyncFlagStore interface {
	SetSyncFailed(ctx context.Context, displayID string, failed bool) error
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithAttempts sets how many writes are tried before giving up.
func WithAttempts(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.attempts = n
		}
	}
}

// WithBackoff sets the base delay; attempt i waits i*base before retrying.
func WithBackoff(base time.Duration) TrackerOption {
	return func(t *Tracker) { t.backoff = base }
}

// WithWriteTimeout bounds a single write attempt.
func WithWriteTimeout(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.writeTimeout = d }
}

// WithTrackerMetrics records delivery outcomes.
func WithTrackerMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker delivers frames with bounded retries and flags users whose
// broadcast deliveries were exhausted.
type Tracker struct {
	attempts     int
	backoff      time.Duration
	writeTimeout time.Duration
	flags        SyncFlagStore
	metrics      *metrics.Metrics
	// live resolves the session currently serving a display id. Set by
	// NewRegistry.
	live func(displayID string) (*Session, bool)
	log          *zap.Logger
	wg           sync.WaitGroup
}

// NewTracker creates a Tracker. flags may be nil when nothing is persisted.
func NewTracker(flags SyncFlagStore, log *zap.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		attempts:     3,
		backoff:      200 * time.Millisecond,
		writeTimeout: 5 * time.Second,
		flags:        flags,
		log:          log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SendWithRetry writes data to s on the text channel, retrying with linear
// backoff. It returns early when ctx or the session is done.
func (t *Tracker) SendWithRetry(ctx context.Context, s *Session, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		lastErr = t.attempt(ctx, s, data)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || s.Context().Err() != nil {
			break
		}
		if attempt == t.attempts {
			break
		}
		t.metrics.Delivery(metrics.OutcomeRetried)

		timer := time.NewTimer(time.Duration(attempt) * t.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
		case <-s.Done():
			timer.Stop()
			return fmt.Errorf("%w: session closed: %v", ErrDeliveryFailed, lastErr)
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

func (t *Tracker) attempt(ctx context.Context, s *Session, data []byte) error {
	actx := ctx
	if t.writeTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, t.writeTimeout)
		defer cancel()
	}
	return s.Write(actx, FrameText, data)
}

// Deliver sends data to s in its own goroutine. When every attempt fails for
// a reason other than ctx being cancelled, the user is flagged so later
// broadcasts become NEED_SYNC.
func (t *Tracker) Deliver(ctx context.Context, s *Session, data []byte) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := t.SendWithRetry(ctx, s, data)
		if err == nil {
			t.metrics.Delivery(metrics.OutcomeDelivered)
			return
		}
		t.metrics.Delivery(metrics.OutcomeFailed)
		if ctx.Err() != nil {
			return
		}
		t.log.Warn("broadcast delivery exhausted",
			zap.String("display_id", s.DisplayID()),
			zap.String("remote_addr", s.Conn().RemoteAddr()),
			zap.Error(err))
		t.flag(ctx, s)
	}()
}

// flag marks s and, when s was replaced while the delivery was in flight,
// the user's current session as well.
func (t *Tracker) flag(ctx context.Context, s *Session) {
	marked := s.MarkSyncFailed()
	if t.live != nil {
		if cur, ok := t.live(s.DisplayID()); ok && cur != s && cur.MarkSyncFailed() {
			marked = true
		}
	}
	if !marked {
		return
	}
	t.metrics.SyncFailedFlagged()
	if t.flags == nil {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.writeTimeout+time.Second)
	defer cancel()
	if err := t.flags.SetSyncFailed(fctx, s.DisplayID(), true); err != nil {
		t.log.Error("failed to persist sync flag",
			zap.String("display_id", s.DisplayID()),
			zap.Error(err))
	}
}

// Wait blocks until every delivery started with Deliver has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
