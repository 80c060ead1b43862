package service

import (
	"context"
	"fmt"
	"time"

	"audit-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

type ArchiveRepository interface {
	ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
	PurgeArchive(ctx context.Context, cutoff time.Time) (int64, error)
}

type ArchiveOptions struct {
	ArchiveAfterDays int
	RetentionDays    int
	BatchSize        int
	// BatchTimeout bounds a single batch or purge statement.
	BatchTimeout time.Duration
}

// Archiver moves aging live records into the archive and purges archive records past
// retention.
type Archiver struct {
	repo ArchiveRepository
	opts ArchiveOptions
	now  func() time.Time
}

func NewArchiver(repo ArchiveRepository, opts ArchiveOptions) *Archiver {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5000
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 5 * time.Minute
	}
	return &Archiver{repo: repo, opts: opts, now: time.Now}
}

// Run archives in batches until nothing eligible is left, then purges the archive.
// Cancelling ctx stops the loop between batches; a batch already started commits or
// rolls back on its own.
func (a *Archiver) Run(ctx context.Context) (domain.ArchiveResult, error) {
	var result domain.ArchiveResult

	now := a.now().UTC()
	archiveCutoff := now.AddDate(0, 0, -a.opts.ArchiveAfterDays)
	retentionCutoff := now.AddDate(0, 0, -a.opts.RetentionDays)

	logger := log.WithFields(log.Fields{
		"archive_cutoff":   archiveCutoff,
		"retention_cutoff": retentionCutoff,
		"batch_size":       a.opts.BatchSize,
	})
	logger.Info("Audit archival started")

	for {
		if err := ctx.Err(); err != nil {
			logger.WithField("archived", result.Archived).Warn("Audit archival interrupted")
			return result, err
		}

		moved, err := a.batch(ctx, archiveCutoff)
		if err != nil {
			logger.WithError(err).WithField("archived", result.Archived).Error("Audit archive batch failed")
			return result, fmt.Errorf("failed to archive batch: %w", err)
		}
		if moved == 0 {
			break
		}
		result.Archived += moved
		result.Batches++
		logger.WithField("moved", moved).Debug("Audit archive batch committed")
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	purged, err := a.purge(ctx, retentionCutoff)
	if err != nil {
		logger.WithError(err).Error("Audit archive purge failed")
		return result, fmt.Errorf("failed to purge archive: %w", err)
	}
	result.Purged = purged

	logger.WithFields(log.Fields{
		"archived": result.Archived,
		"batches":  result.Batches,
		"purged":   result.Purged,
	}).Info("Audit archival finished")

	return result, nil
}

func (a *Archiver) batch(ctx context.Context, cutoff time.Time) (int, error) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.BatchTimeout)
	defer cancel()
	return a.repo.ArchiveBatch(bctx, cutoff, a.opts.BatchSize)
}

func (a *Archiver) purge(ctx context.Context, cutoff time.Time) (int64, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.BatchTimeout)
	defer cancel()
	return a.repo.PurgeArchive(pctx, cutoff)
}
