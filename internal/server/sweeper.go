package server

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/metrics"
	"github.com/omochice/relay-chat/internal/reassembly"
)

// retryDelay is how long the sweep waits after failing to compute a tick.
const retryDelay = 30 * time.Second

// Sweeper evicts abandoned transfers on a cron schedule.
type Sweeper struct {
	engine     *reassembly.Engine
	cron       string
	staleAfter time.Duration
	metrics    *metrics.Metrics
	log        *zap.Logger
}

// NewSweeper validates cron and returns a Sweeper for engine.
func NewSweeper(engine *reassembly.Engine, cron string, staleAfter time.Duration, m *metrics.Metrics, log *zap.Logger) (*Sweeper, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cron)
	}
	return &Sweeper{engine: engine, cron: cron, staleAfter: staleAfter, metrics: m, log: log}, nil
}

// RunOnce evicts transfers idle longer than the threshold and returns how
// many were removed.
func (s *Sweeper) RunOnce() int {
	evicted := s.engine.EvictStale(s.staleAfter)
	for _, p := range evicted {
		s.log.Info("transfer_evicted",
			zap.String("client_id", p.ClientID),
			zap.Bool("has_header", p.HasHeader),
			zap.Int("frames", p.Frames),
		)
	}
	s.metrics.TransfersEvicted(len(evicted))
	s.metrics.SetPendingTransfers(s.engine.Len())
	return len(evicted)
}

// Run sleeps until each cron tick and sweeps, until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("sweep_scheduler_started", zap.String("cron", s.cron), zap.Duration("stale_after", s.staleAfter))
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now().UTC(), false)
		wait := retryDelay
		if err != nil {
			s.log.Error("sweep_nexttick_failed", zap.String("cron", s.cron), zap.Error(err))
		} else {
			wait = max(time.Until(next), time.Second)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("sweep_scheduler_stopping")
			return
		case <-timer.C:
		}
		if err == nil {
			s.RunOnce()
		}
	}
}
