// Package sweeper demotes stale sessions. It is the only mechanism that
// ends a session without an explicit signal, which is the common case since
// most browsers give no reliable unload event.
package sweeper

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"sitepulse/api/models"
	"sitepulse/api/store"
)

// Finalizer receives sessions the sweeper has ended; the tracker implements
// it so swept and explicitly ended sessions share one finalization path.
type Finalizer interface {
	Finalize(snap models.VisitorSession, endedAt time.Time)
}

type Sweeper struct {
	sessions    *store.SessionStore
	finalizer   Finalizer
	idleTimeout time.Duration
	interval    time.Duration
	log         *zap.Logger
	now         func() time.Time
	cron        *cron.Cron
}

func New(sessions *store.SessionStore, finalizer Finalizer, idleTimeout, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		sessions:    sessions,
		finalizer:   finalizer,
		idleTimeout: idleTimeout,
		interval:    interval,
		log:         log,
		now:         time.Now,
	}
}

// Start schedules the sweep on its fixed interval.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.Sweep); err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep ends every session idle past the timeout. EndIfIdle re-reads the
// activity timestamp under the row lock, so a heartbeat racing the sweep
// wins and the session survives. A session that fails here is simply picked
// up again on the next tick.
func (s *Sweeper) Sweep() {
	s.SweepAt(s.now())
}

// SweepAt runs one sweep against the given clock reading.
func (s *Sweeper) SweepAt(now time.Time) {
	swept := 0
	for _, entry := range s.sessions.Entries() {
		snap, ended := entry.EndIfIdle(now, s.idleTimeout)
		if !ended {
			continue
		}
		s.finalizer.Finalize(snap, now)
		swept++
	}
	if swept > 0 {
		s.log.Info("swept idle sessions", zap.Int("count", swept))
	}
}
