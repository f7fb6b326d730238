package scan

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/domain"
)

// Scheduler runs scans on a fixed interval in serve mode. A tick that finds
// a scan still in flight is skipped, not queued.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     time.Duration
}

// NewScheduler creates the interval scan loop.
func NewScheduler(orchestrator *Orchestrator, interval time.Duration) *Scheduler {
	return &Scheduler{orchestrator: orchestrator, interval: interval}
}

// Run blocks until ctx is cancelled, firing one scan immediately and then on
// every tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scan scheduler stopping")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	_, err := s.orchestrator.RunScan(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrScanInFlight):
		log.Debug().Msg("scan tick skipped, previous run still in flight")
	case errors.Is(err, context.Canceled):
	default:
		log.Error().Err(err).Msg("scheduled scan failed")
	}
}
