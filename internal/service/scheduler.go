package service

import (
	"context"
	"fmt"

	"audit-service/internal/domain"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// ArchiveRunner is one archival pass.
type ArchiveRunner interface {
	Run(ctx context.Context) (domain.ArchiveResult, error)
}

// ArchiveScheduler runs the archiver on a cron schedule. A run still in progress when the
// next tick fires causes that tick to be skipped.
type ArchiveScheduler struct {
	cron     *cron.Cron
	runner   ArchiveRunner
	schedule string
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewArchiveScheduler(runner ArchiveRunner, schedule string) *ArchiveScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &ArchiveScheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		runner:   runner,
		schedule: schedule,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *ArchiveScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runOnce); err != nil {
		return fmt.Errorf("invalid archive schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	log.WithField("schedule", s.schedule).Info("Audit archive scheduler started")
	return nil
}

func (s *ArchiveScheduler) runOnce() {
	// Failed runs are retried on the next tick.
	if _, err := s.runner.Run(s.ctx); err != nil {
		log.WithError(err).Warn("Scheduled audit archival failed")
	}
}

// Stop interrupts a running pass at its next batch boundary and waits for it to return.
func (s *ArchiveScheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	log.Info("Audit archive scheduler stopped")
}
