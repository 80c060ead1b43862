package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"audit-service/internal/audit"
	"audit-service/internal/domain"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type postgresAuditRepository struct {
	db *sql.DB
}

func NewPostgresAuditRepository(db *sql.DB) *postgresAuditRepository {
	return &postgresAuditRepository{db: db}
}

// Append opens its own transaction, serializes on the tenant's advisory lock, reads the
// chain tail, lets seal link rec to it and inserts rec. Nothing is written if seal fails.
func (r *postgresAuditRepository) Append(ctx context.Context, rec *domain.AuditRecord, seal func(tail *domain.ChainTail) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, chainLockKey(rec.TenantID)); err != nil {
		return fmt.Errorf("failed to lock audit chain: %w", err)
	}

	tail, err := chainTail(ctx, tx, rec.TenantID)
	if err != nil {
		return err
	}

	if err := seal(tail); err != nil {
		return err
	}

	if err := insertAuditRecord(ctx, tx, "audit_logs", rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit record: %w", err)
	}
	return nil
}

func chainLockKey(tenantID *string) string {
	if tenantID == nil {
		return "audit_chain:platform"
	}
	return "audit_chain:" + *tenantID
}

func tenantClause(tenantID *string, argPos int) (string, []interface{}) {
	if tenantID == nil {
		return "tenant_id IS NULL", nil
	}
	return fmt.Sprintf("tenant_id = $%d", argPos), []interface{}{*tenantID}
}

// chainTail looks in the live table first and falls back to the archive, so a tenant
// whose live records were all archived keeps extending the same chain.
func chainTail(ctx context.Context, tx *sql.Tx, tenantID *string) (*domain.ChainTail, error) {
	clause, args := tenantClause(tenantID, 1)
	for _, table := range []string{"audit_logs", "audit_logs_archive"} {
		query := fmt.Sprintf(`SELECT event_hash, created_at, id FROM %s
			WHERE %s
			ORDER BY created_at DESC, id DESC
			LIMIT 1`, table, clause)

		var tail domain.ChainTail
		err := tx.QueryRowContext(ctx, query, args...).Scan(&tail.EventHash, &tail.CreatedAt, &tail.ID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read audit chain tail: %w", err)
		}
		tail.CreatedAt = tail.CreatedAt.UTC()
		return &tail, nil
	}
	return nil, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertAuditRecord(ctx context.Context, ex execer, table string, rec *domain.AuditRecord) error {
	args, err := auditRecordArgs(rec)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		table, auditColumns)

	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// auditRecordArgs returns rec's column values in auditColumns order.
func auditRecordArgs(rec *domain.AuditRecord) ([]interface{}, error) {
	oldValue, err := encodeJSON(rec.OldValue)
	if err != nil {
		return nil, err
	}
	newValue, err := encodeJSON(rec.NewValue)
	if err != nil {
		return nil, err
	}
	extraData, err := encodeJSON(rec.ExtraData)
	if err != nil {
		return nil, err
	}
	tags, err := encodeJSON(rec.Tags)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		rec.ID,
		rec.TenantID,
		rec.EventType,
		rec.Level,
		rec.Category,
		rec.ResourceType,
		rec.ResourceID,
		rec.Action,
		rec.Outcome,
		rec.UserID,
		rec.UserEmail,
		rec.IPAddress,
		rec.UserAgent,
		rec.RequestID,
		oldValue,
		newValue,
		extraData,
		tags,
		rec.EventHash,
		rec.PrevHash,
		rec.CreatedAt,
	}, nil
}

// encodeJSON returns nil for nil maps and slices so the column stays NULL.
func encodeJSON(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case []string:
		if val == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit payload: %w", err)
	}
	return string(raw), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(row rowScanner) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var tenantID, resourceID, userID, userEmail, ipAddress, userAgent, requestID, prevHash sql.NullString
	var oldValue, newValue, extraData, tags []byte

	err := row.Scan(
		&rec.ID,
		&tenantID,
		&rec.EventType,
		&rec.Level,
		&rec.Category,
		&rec.ResourceType,
		&resourceID,
		&rec.Action,
		&rec.Outcome,
		&userID,
		&userEmail,
		&ipAddress,
		&userAgent,
		&requestID,
		&oldValue,
		&newValue,
		&extraData,
		&tags,
		&rec.EventHash,
		&prevHash,
		&rec.CreatedAt,
	)
	if err != nil {
		return rec, err
	}

	rec.TenantID = nullString(tenantID)
	rec.ResourceID = nullString(resourceID)
	rec.UserID = nullString(userID)
	rec.UserEmail = nullString(userEmail)
	rec.IPAddress = nullString(ipAddress)
	rec.UserAgent = nullString(userAgent)
	rec.RequestID = nullString(requestID)
	rec.PrevHash = nullString(prevHash)
	rec.CreatedAt = rec.CreatedAt.UTC()

	if rec.OldValue, err = audit.DecodeJSONMap(oldValue); err != nil {
		return rec, err
	}
	if rec.NewValue, err = audit.DecodeJSONMap(newValue); err != nil {
		return rec, err
	}
	if rec.ExtraData, err = audit.DecodeJSONMap(extraData); err != nil {
		return rec, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &rec.Tags); err != nil {
			return rec, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	return rec, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func (r *postgresAuditRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]domain.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	records := []domain.AuditRecord{}
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			log.WithError(err).Error("Failed to scan audit record row")
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over audit records: %w", err)
	}
	return records, nil
}

func (r *postgresAuditRepository) GetByID(ctx context.Context, id string) (*domain.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM audit_logs WHERE id = $1`, auditColumns)
	rec, err := scanAuditRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAuditRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return &rec, nil
}

func (r *postgresAuditRepository) List(ctx context.Context, filter domain.AuditFilter, skip, limit int) ([]domain.AuditRecord, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where, args, argPos := auditWhere(filter, 1)

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit records: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, auditColumns, where, argPos, argPos+1)
	args = append(args, limit, skip)

	records, err := r.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListPage returns up to limit records strictly after the cursor in newest-first order.
func (r *postgresAuditRepository) ListPage(ctx context.Context, filter domain.AuditFilter, after *domain.Cursor, limit int) ([]domain.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where, args, argPos := auditWhere(filter, 1)
	if after != nil {
		where += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argPos, argPos+1)
		args = append(args, after.CreatedAt, after.ID)
		argPos += 2
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, auditColumns, where, argPos)
	args = append(args, limit)

	return r.queryRecords(ctx, query, args...)
}

var summaryColumns = map[string]string{
	"event_type": "event_type",
	"level":      "level",
	"outcome":    "outcome",
}

func (r *postgresAuditRepository) Summary(ctx context.Context, filter domain.AuditFilter) (*domain.AuditSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where, args, _ := auditWhere(filter, 1)
	summary := &domain.AuditSummary{
		RangeStart: filter.StartTime,
		RangeEnd:   filter.EndTime,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.db.QueryRowContext(gctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&summary.Total); err != nil {
			return fmt.Errorf("failed to count audit records: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		summary.ByEventType, err = r.groupCount(gctx, summaryColumns["event_type"], where, args)
		return err
	})
	g.Go(func() (err error) {
		summary.ByLevel, err = r.groupCount(gctx, summaryColumns["level"], where, args)
		return err
	})
	g.Go(func() (err error) {
		summary.ByOutcome, err = r.groupCount(gctx, summaryColumns["outcome"], where, args)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summary, nil
}

func (r *postgresAuditRepository) groupCount(ctx context.Context, column, where string, args []interface{}) ([]domain.SummaryItem, error) {
	query := fmt.Sprintf(`SELECT COALESCE(%[1]s, ''), COUNT(*) FROM audit_logs%[2]s
		GROUP BY %[1]s`, column, where)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to group audit records by %s: %w", column, err)
	}
	defer rows.Close()

	items := []domain.SummaryItem{}
	for rows.Next() {
		var item domain.SummaryItem
		if err := rows.Scan(&item.Key, &item.Count); err != nil {
			return nil, fmt.Errorf("failed to scan %s group: %w", column, err)
		}
		if item.Key == "" {
			item.Key = "unknown"
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortSummaryItems(items)
	return items, nil
}

// SortSummaryItems orders groups by count, largest first, then by key.
func SortSummaryItems(items []domain.SummaryItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].Key < items[j].Key
	})
}

// WalkChain streams a tenant's archived then live records in chain order.
func (r *postgresAuditRepository) WalkChain(ctx context.Context, tenantID *string, fn func(domain.AuditRecord) error) error {
	clause, args := tenantClause(tenantID, 1)
	query := fmt.Sprintf(`SELECT %[1]s FROM (
			SELECT %[1]s FROM audit_logs_archive WHERE %[2]s
			UNION ALL
			SELECT %[1]s FROM audit_logs l WHERE %[2]s
				AND NOT EXISTS (SELECT 1 FROM audit_logs_archive a WHERE a.id = l.id)
		) chain
		ORDER BY created_at ASC, id ASC`, auditColumns, clause)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to walk audit chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return fmt.Errorf("failed to scan audit record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
