// Package sweep closes sessions that passed their expiry stamp without a
// final request ever arriving
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/waypost/engine/internal/runtime"
	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/pkg/log"
)

// Sweeper periodically walks the active session index and force-expires
// overdue sessions so they archive and release their storage
type Sweeper struct {
	engine   *runtime.Engine
	sessions store.SessionStore
	cron     *cron.Cron
	logger   *slog.Logger
	schedule string
}

const sweepTimeout = time.Minute

// NewSweeper creates a sweeper on the given cron schedule spec
func NewSweeper(
	engine *runtime.Engine, sessions store.SessionStore,
	schedule string, logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		engine:   engine,
		sessions: sessions,
		cron:     cron.New(),
		logger:   logger,
		schedule: schedule,
	}
}

// Start schedules the sweep and begins the cron loop
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop, waiting for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep expires every overdue active session once, returning how many
// sessions it closed
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.sessions.ActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		ended, err := s.engine.Expire(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to expire session",
				log.SessionID(id),
				log.Error(err))
			continue
		}
		if ended {
			closed++
		}
	}
	return closed, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	closed, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("Session sweep failed", log.Error(err))
		return
	}
	if closed > 0 {
		s.logger.Info("Session sweep closed sessions",
			slog.Int("closed", closed))
	}
}
