package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const shutdownDrainTimeout = 15 * time.Second

// Service runs the gateway's background work: the maintenance sweeper
// and a heartbeat that logs pool gauges. It blocks in Run until the
// context ends, then drains every live session.
type Service struct {
	gw        *Gateway
	log       zerolog.Logger
	heartbeat time.Duration
}

// NewService wraps a gateway with its background run loop.
func NewService(gw *Gateway, log zerolog.Logger, heartbeat time.Duration) *Service {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Service{gw: gw, log: log, heartbeat: heartbeat}
}

// Run blocks until ctx ends. Shutdown keeps remote pairings and stored
// credentials so a restart resumes every session.
func (s *Service) Run(ctx context.Context) error {
	go s.gw.RunSweeper(ctx)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("gateway shutting down")
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
			s.gw.Shutdown(drainCtx)
			cancel()
			return nil
		case <-ticker.C:
			open, tracked := s.gw.Counts()
			s.log.Info().Int("open", open).Int("tracked", tracked).Msg("session pool heartbeat")
		}
	}
}
