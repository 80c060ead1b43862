package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"audit-service/internal/domain"
	"audit-service/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type archiveRepoStub struct {
	archiveBatch func(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
	purgeArchive func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (s *archiveRepoStub) ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	return s.archiveBatch(ctx, cutoff, batchSize)
}

func (s *archiveRepoStub) PurgeArchive(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purgeArchive(ctx, cutoff)
}

func newTestArchiver(repo ArchiveRepository, batchSize int) *Archiver {
	a := NewArchiver(repo, ArchiveOptions{ArchiveAfterDays: 30, RetentionDays: 365, BatchSize: batchSize})
	a.now = func() time.Time { return fixedNow }
	return a
}

// seedChain writes n chained records for tenant T, one day apart, ending daysAgo days before fixedNow.
func seedChain(t *testing.T, store *repository.MemoryAuditStore, n, daysAgo int) {
	t.Helper()
	s := newTestAuditService(store, nil)
	for i := 0; i < n; i++ {
		at := fixedNow.AddDate(0, 0, -(daysAgo + n - 1 - i))
		s.now = func() time.Time { return at }
		_, err := s.Record(context.Background(), event("T", "r"))
		require.NoError(t, err)
	}
}

func TestArchiver_MovesEligibleRecordsInBatches(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	seedChain(t, store, 5, 40)
	recent := newTestAuditService(store, nil)
	_, err := recent.Record(context.Background(), event("T", "recent"))
	require.NoError(t, err)

	result, err := newTestArchiver(store, 2).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, result.Archived)
	assert.Equal(t, 3, result.Batches)
	assert.Len(t, store.Archived(), 5)

	eligible, err := store.CountEligible(context.Background(), fixedNow.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Zero(t, eligible)

	_, live, err := store.List(context.Background(), domain.AuditFilter{}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), live)
}

func TestArchiver_IsIdempotent(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	seedChain(t, store, 4, 31)
	a := newTestArchiver(store, 3)

	first, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, first.Archived)

	second, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Archived)
	assert.Zero(t, second.Batches)

	assert.Len(t, store.Archived(), 4)
}

func TestArchiver_PreservesChainAcrossStores(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	seedChain(t, store, 3, 60)
	s := newTestAuditService(store, nil)

	_, err := newTestArchiver(store, 10).Run(context.Background())
	require.NoError(t, err)

	// The next write links to the archived tail.
	next, err := s.Record(context.Background(), event("T", "after-archive"))
	require.NoError(t, err)
	archived := store.Archived()
	require.Len(t, archived, 3)
	require.NotNil(t, next.PrevHash)
	assert.Equal(t, archived[2].EventHash, *next.PrevHash)

	tenant := "T"
	report, err := s.Verify(context.Background(), &tenant)
	require.NoError(t, err)
	assert.True(t, report.Valid, "breaks: %+v", report.Breaks)
	assert.Equal(t, 4, report.Checked)
}

func TestArchiver_RetentionBoundary(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	keep := domain.AuditRecord{ID: "keep", TenantID: domain.NullableString("T"), CreatedAt: fixedNow.AddDate(0, 0, -364)}
	purge := domain.AuditRecord{ID: "purge", TenantID: domain.NullableString("T"), CreatedAt: fixedNow.AddDate(0, 0, -366)}
	store.InsertArchived(keep)
	store.InsertArchived(purge)

	result, err := newTestArchiver(store, 10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Purged)
	archived := store.Archived()
	require.Len(t, archived, 1)
	assert.Equal(t, "keep", archived[0].ID)
}

func TestArchiver_VerifierReportsTruncationAfterPurge(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	seedChain(t, store, 3, 365)
	s := newTestAuditService(store, nil)

	_, err := newTestArchiver(store, 10).Run(context.Background())
	require.NoError(t, err)

	tenant := "T"
	report, err := s.Verify(context.Background(), &tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.True(t, report.Truncated)
	assert.True(t, report.Valid)
}

func TestArchiver_StopsBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	batches := 0
	repo := &archiveRepoStub{
		archiveBatch: func(bctx context.Context, cutoff time.Time, batchSize int) (int, error) {
			batches++
			cancel()
			assert.NoError(t, bctx.Err(), "an in-flight batch is not cancelled")
			return batchSize, nil
		},
		purgeArchive: func(ctx context.Context, cutoff time.Time) (int64, error) {
			t.Fatal("purge must not run after interruption")
			return 0, nil
		},
	}

	result, err := newTestArchiver(repo, 100).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, batches)
	assert.Equal(t, 100, result.Archived)
}

func TestArchiver_BatchFailureStopsRun(t *testing.T) {
	repo := &archiveRepoStub{
		archiveBatch: func(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
			return 0, errors.New("deadlock detected")
		},
		purgeArchive: func(ctx context.Context, cutoff time.Time) (int64, error) {
			t.Fatal("purge must not run after a failed batch")
			return 0, nil
		},
	}

	_, err := newTestArchiver(repo, 100).Run(context.Background())
	assert.Error(t, err)
}

func TestArchiver_Cutoffs(t *testing.T) {
	var archiveCutoff, retentionCutoff time.Time
	repo := &archiveRepoStub{
		archiveBatch: func(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
			archiveCutoff = cutoff
			assert.Equal(t, 5000, batchSize)
			return 0, nil
		},
		purgeArchive: func(ctx context.Context, cutoff time.Time) (int64, error) {
			retentionCutoff = cutoff
			return 0, nil
		},
	}

	a := NewArchiver(repo, ArchiveOptions{ArchiveAfterDays: 30, RetentionDays: 365})
	a.now = func() time.Time { return fixedNow }
	_, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, fixedNow.AddDate(0, 0, -30), archiveCutoff)
	assert.Equal(t, fixedNow.AddDate(0, 0, -365), retentionCutoff)
}
