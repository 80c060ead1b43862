package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

type postgresArchiveRepository struct {
	db *sql.DB
}

func NewPostgresArchiveRepository(db *sql.DB) *postgresArchiveRepository {
	return &postgresArchiveRepository{db: db}
}

// ArchiveBatch moves up to batchSize live records created before cutoff into the archive,
// oldest first, in one transaction. Records already present in the archive are not
// inserted twice, so a batch interrupted after its insert is safe to repeat.
func (r *postgresArchiveRepository) ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM audit_logs
		WHERE created_at < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to select archive batch: %w", err)
	}

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan archive batch id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating over archive batch: %w", err)
	}

	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	insert := fmt.Sprintf(`INSERT INTO audit_logs_archive (%[1]s)
		SELECT %[1]s FROM audit_logs WHERE id = ANY($1::uuid[])
		ON CONFLICT (id) DO NOTHING`, auditColumns)
	inserted, err := tx.ExecContext(ctx, insert, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to copy records to archive: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_logs WHERE id = ANY($1::uuid[])`, pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("failed to delete archived live records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive batch: %w", err)
	}

	if n, err := inserted.RowsAffected(); err == nil && int(n) != len(ids) {
		log.WithFields(log.Fields{
			"selected": len(ids),
			"inserted": n,
		}).Warn("Archive batch contained records already archived")
	}

	return len(ids), nil
}

// PurgeArchive deletes archived records created before cutoff.
func (r *postgresArchiveRepository) PurgeArchive(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs_archive WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge archive: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// CountEligible reports how many live records are older than cutoff.
func (r *postgresArchiveRepository) CountEligible(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs WHERE created_at < $1`, cutoff.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count archivable records: %w", err)
	}
	return count, nil
}
