package chat

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/metrics"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// Registry manages every live session of the process, keyed by external id
// and by display id. At most one session exists per key.
type Registry struct {
	mu         sync.RWMutex
	byExternal map[string]*Session
	byDisplay  map[string]*Session

	tracker *Tracker
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewRegistry creates a Registry that delivers broadcasts through tracker.
func NewRegistry(tracker *Tracker, m *metrics.Metrics, log *zap.Logger) *Registry {
	r := &Registry{
		byExternal: make(map[string]*Session),
		byDisplay:  make(map[string]*Session),
		tracker:    tracker,
		metrics:    m,
		log:        log,
	}
	tracker.live = r.LookupDisplay
	return r
}

// Register creates a session for conn and installs it. Any session already
// holding the same external id or display id is closed normally.
func (r *Registry) Register(ctx context.Context, externalID string, user protocol.User, conn Conn) *Session {
	s := NewSession(ctx, externalID, user, conn)

	r.mu.Lock()
	var replaced []*Session
	if prev, ok := r.byExternal[externalID]; ok {
		replaced = append(replaced, prev)
	}
	if prev, ok := r.byDisplay[user.DisplayID]; ok && (len(replaced) == 0 || replaced[0] != prev) {
		replaced = append(replaced, prev)
	}
	for _, prev := range replaced {
		r.removeLocked(prev)
	}
	r.byExternal[externalID] = s
	r.byDisplay[user.DisplayID] = s
	n := len(r.byExternal)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	for _, prev := range replaced {
		r.metrics.ConnectionReplaced()
		r.log.Info("replacing session",
			zap.String("display_id", prev.DisplayID()),
			zap.String("remote_addr", prev.Conn().RemoteAddr()))
		if err := prev.Close(CloseNormal, ReasonMultipleConnections); err != nil {
			r.log.Debug("failed to close replaced session", zap.Error(err))
		}
	}
	return s
}

// removeLocked deletes the entries that still point at s.
func (r *Registry) removeLocked(s *Session) {
	if r.byExternal[s.ExternalID] == s {
		delete(r.byExternal, s.ExternalID)
	}
	if id := s.DisplayID(); r.byDisplay[id] == s {
		delete(r.byDisplay, id)
	}
}

// Unregister removes s. Entries already taken over by a newer session are
// left alone. It reports whether anything was removed.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	before := len(r.byExternal) + len(r.byDisplay)
	r.removeLocked(s)
	removed := len(r.byExternal)+len(r.byDisplay) != before
	n := len(r.byExternal)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	return removed
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byExternal)
}

// Lookup returns the session for an external id.
func (r *Registry) Lookup(externalID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byExternal[externalID]
	return s, ok
}

// LookupDisplay returns the session for a display id.
func (r *Registry) LookupDisplay(displayID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDisplay[displayID]
	return s, ok
}

// ClearSyncFailed resets the in-memory flag of the user's live session.
func (r *Registry) ClearSyncFailed(displayID string) {
	if s, ok := r.LookupDisplay(displayID); ok {
		s.ClearSyncFailed()
	}
}

// UpdateUser refreshes the cached profile of the user's live session.
func (r *Registry) UpdateUser(u protocol.User) {
	if s, ok := r.LookupDisplay(u.DisplayID); ok {
		s.SetUser(u)
	}
}

func (r *Registry) snapshot(excluding *Session) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byExternal))
	for _, s := range r.byExternal {
		if s != excluding {
			out = append(out, s)
		}
	}
	return out
}

// BroadcastAll sends f to every live session, the originator included.
// It returns the number of sessions targeted.
func (r *Registry) BroadcastAll(ctx context.Context, f protocol.ControlFrame) (int, error) {
	return r.broadcast(ctx, f, nil)
}

// BroadcastOthers sends f to every live session except excluding.
func (r *Registry) BroadcastOthers(ctx context.Context, f protocol.ControlFrame, excluding *Session) (int, error) {
	return r.broadcast(ctx, f, excluding)
}

func (r *Registry) broadcast(ctx context.Context, f protocol.ControlFrame, excluding *Session) (int, error) {
	payload, err := f.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode broadcast: %w", err)
	}
	needSync, err := protocol.NeedSyncFrame().Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode need sync: %w", err)
	}

	targets := r.snapshot(excluding)
	for _, s := range targets {
		data := payload
		if s.SyncFailed() {
			data = needSync
			r.metrics.Delivery(metrics.OutcomeNeedSync)
		}
		r.tracker.Deliver(ctx, s, data)
	}
	return len(targets), nil
}

// CloseAll closes every live session, used at shutdown.
func (r *Registry) CloseAll(reason CloseReason, message string) {
	for _, s := range r.snapshot(nil) {
		_ = s.Close(reason, message)
	}
}
