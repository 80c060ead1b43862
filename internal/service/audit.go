package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"audit-service/internal/audit"
	"audit-service/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type AuditRepository interface {
	Append(ctx context.Context, rec *domain.AuditRecord, seal func(tail *domain.ChainTail) error) error
	GetByID(ctx context.Context, id string) (*domain.AuditRecord, error)
	List(ctx context.Context, filter domain.AuditFilter, skip, limit int) ([]domain.AuditRecord, int64, error)
	ListPage(ctx context.Context, filter domain.AuditFilter, after *domain.Cursor, limit int) ([]domain.AuditRecord, error)
	Summary(ctx context.Context, filter domain.AuditFilter) (*domain.AuditSummary, error)
	WalkChain(ctx context.Context, tenantID *string, fn func(domain.AuditRecord) error) error
}

// RecordPublisher mirrors persisted records to an external sink.
type RecordPublisher interface {
	Publish(ctx context.Context, rec domain.AuditRecord) error
}

type AuditOptions struct {
	ExportMaxRows   int
	ExportChunkSize int
}

// ExportColumns is the CSV header of an export.
var ExportColumns = []string{
	"id", "tenant_id", "event_type", "level", "category", "resource_type", "resource_id", "action",
	"outcome", "user_id", "user_email", "ip_address", "user_agent", "request_id", "created_at",
}

type AuditService struct {
	repo            AuditRepository
	publisher       RecordPublisher
	exportMaxRows   int
	exportChunkSize int
	now             func() time.Time
}

func NewAuditService(repo AuditRepository, publisher RecordPublisher, opts AuditOptions) *AuditService {
	if opts.ExportMaxRows <= 0 {
		opts.ExportMaxRows = 5000
	}
	if opts.ExportChunkSize <= 0 {
		opts.ExportChunkSize = 500
	}
	return &AuditService{
		repo:            repo,
		publisher:       publisher,
		exportMaxRows:   opts.ExportMaxRows,
		exportChunkSize: opts.ExportChunkSize,
		now:             time.Now,
	}
}

// Record redacts, chains and persists one event. Payloads are redacted before they are
// hashed, so masked values are what the digest covers.
func (s *AuditService) Record(ctx context.Context, event domain.AuditEvent) (*domain.AuditRecord, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	rec, err := s.newRecord(event)
	if err != nil {
		return nil, err
	}

	err = s.repo.Append(ctx, rec, func(tail *domain.ChainTail) error {
		if tail == nil {
			return audit.Seal(rec, nil)
		}
		// Keeps (created_at, id) order identical to chain order.
		if !rec.CreatedAt.After(tail.CreatedAt) {
			rec.CreatedAt = tail.CreatedAt.Add(time.Microsecond)
		}
		prev := tail.EventHash
		return audit.Seal(rec, &prev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append audit record: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, *rec); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"record_id": rec.ID,
				"tenant_id": domain.StringValue(rec.TenantID),
			}).Warn("Failed to publish audit record")
		}
	}

	return rec, nil
}

// Create records a manual entry on behalf of the caller in ctx. Callers below platform
// level always write into their own tenant.
func (s *AuditService) Create(ctx context.Context, event domain.AuditEvent) (*domain.AuditRecord, error) {
	actor, ok := domain.ActorFromContext(ctx)
	if !ok {
		return nil, domain.ErrForbidden
	}
	switch {
	case actor.IsPlatform():
	case actor.Role == domain.RoleTenantAdmin && actor.TenantID != "":
		if event.TenantID != "" && event.TenantID != actor.TenantID {
			return nil, domain.ErrForbidden
		}
		event.TenantID = actor.TenantID
	default:
		return nil, domain.ErrForbidden
	}

	// Identity comes from the request, never from the body.
	return s.Record(ctx, event.StampActor(actor))
}

func (s *AuditService) newRecord(event domain.AuditEvent) (*domain.AuditRecord, error) {
	oldValue, err := redactPayload(event.OldValue)
	if err != nil {
		return nil, err
	}
	newValue, err := redactPayload(event.NewValue)
	if err != nil {
		return nil, err
	}
	extraData, err := redactPayload(event.ExtraData)
	if err != nil {
		return nil, err
	}

	rec := &domain.AuditRecord{
		ID:           uuid.NewString(),
		TenantID:     domain.NullableString(event.TenantID),
		EventType:    event.EventType,
		Level:        valueOr(event.Level, domain.LevelInfo),
		Category:     valueOr(event.Category, domain.CategorySystem),
		ResourceType: event.ResourceType,
		ResourceID:   domain.NullableString(validUTF8(event.ResourceID)),
		Action:       event.Action,
		Outcome:      valueOr(event.Outcome, domain.OutcomeSuccess),
		UserID:       domain.NullableString(validUTF8(event.UserID)),
		UserEmail:    domain.NullableString(validUTF8(event.UserEmail)),
		IPAddress:    domain.NullableString(validUTF8(event.IPAddress)),
		UserAgent:    domain.NullableString(validUTF8(event.UserAgent)),
		RequestID:    domain.NullableString(validUTF8(event.RequestID)),
		OldValue:     oldValue,
		NewValue:     newValue,
		ExtraData:    extraData,
		Tags:         event.Tags,
		CreatedAt:    audit.TruncateTime(s.now()),
	}
	return rec, nil
}

// redactPayload turns m into its stored JSON form and masks sensitive keys in it.
func redactPayload(m map[string]any) (map[string]any, error) {
	normalized, err := audit.Normalize(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidAuditEvent, err)
	}
	return audit.RedactMap(normalized), nil
}

// validUTF8 replaces invalid byte sequences; Postgres text columns reject them.
func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ScopeFilter narrows filter to what actor may read. filter.TenantID carries the tenant the
// caller asked for, if any.
func ScopeFilter(actor domain.Actor, filter domain.AuditFilter) (domain.AuditFilter, error) {
	if actor.IsPlatform() {
		return filter, nil
	}

	if actor.TenantID == "" {
		return filter, domain.ErrForbidden
	}
	if filter.TenantID != nil && *filter.TenantID != actor.TenantID {
		return filter, domain.ErrForbidden
	}
	tenant := actor.TenantID
	filter.TenantID = &tenant

	switch actor.Role {
	case domain.RoleTenantAdmin:
		return filter, nil
	case domain.RoleSupervisor:
		filter.RestrictUsers = true
		if filter.UserID != "" {
			if !actor.InTeam(filter.UserID) {
				return filter, domain.ErrForbidden
			}
			filter.UserIDs = []string{filter.UserID}
			return filter, nil
		}
		filter.UserIDs = append([]string(nil), actor.TeamUserIDs...)
		return filter, nil
	default:
		return filter, domain.ErrForbidden
	}
}

// ResolveTenant returns the chain actor may verify for the requested tenant.
func ResolveTenant(actor domain.Actor, requested string) (*string, error) {
	if actor.IsPlatform() {
		return domain.NullableString(requested), nil
	}
	if actor.Role != domain.RoleTenantAdmin || actor.TenantID == "" {
		return nil, domain.ErrForbidden
	}
	if requested != "" && requested != actor.TenantID {
		return nil, domain.ErrForbidden
	}
	tenant := actor.TenantID
	return &tenant, nil
}

func (s *AuditService) scope(ctx context.Context, filter domain.AuditFilter) (domain.AuditFilter, error) {
	actor, ok := domain.ActorFromContext(ctx)
	if !ok {
		return filter, domain.ErrForbidden
	}
	if filter.StartTime != nil && filter.EndTime != nil && filter.EndTime.Before(*filter.StartTime) {
		return filter, domain.ErrInvalidFilter
	}
	return ScopeFilter(actor, filter)
}

func (s *AuditService) List(ctx context.Context, filter domain.AuditFilter, skip, limit int) ([]domain.AuditRecord, int64, error) {
	if skip < 0 || limit < 0 {
		return nil, 0, domain.ErrInvalidFilter
	}
	limit = domain.ClampLimit(limit)

	filter, err := s.scope(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	records, total, err := s.repo.List(ctx, filter, skip, limit)
	if err != nil {
		log.WithError(err).Error("Failed to list audit records")
		return nil, 0, err
	}
	return records, total, nil
}

func (s *AuditService) Get(ctx context.Context, id string) (*domain.AuditRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrInvalidUUID
	}
	actor, ok := domain.ActorFromContext(ctx)
	if !ok {
		return nil, domain.ErrForbidden
	}

	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// Records outside the caller's scope read as missing.
	filter, err := ScopeFilter(actor, domain.AuditFilter{})
	if err != nil {
		return nil, err
	}
	if filter.TenantID != nil && domain.StringValue(rec.TenantID) != *filter.TenantID {
		return nil, domain.ErrAuditRecordNotFound
	}
	if filter.RestrictUsers && (rec.UserID == nil || !actor.InTeam(*rec.UserID)) {
		return nil, domain.ErrAuditRecordNotFound
	}
	return rec, nil
}

func (s *AuditService) Summary(ctx context.Context, filter domain.AuditFilter) (*domain.AuditSummary, error) {
	filter, err := s.scope(ctx, filter)
	if err != nil {
		return nil, err
	}

	summary, err := s.repo.Summary(ctx, filter)
	if err != nil {
		log.WithError(err).Error("Failed to summarise audit records")
		return nil, err
	}
	return summary, nil
}

// Export writes the header and then matching records as CSV, newest first, fetching them
// in chunks and stopping at the configured row cap. It returns the number of data rows.
// Errors from scoping or from the first fetch are returned before anything is written.
func (s *AuditService) Export(ctx context.Context, filter domain.AuditFilter, w io.Writer) (int, error) {
	filter, err := s.scope(ctx, filter)
	if err != nil {
		return 0, err
	}
	return s.export(ctx, filter, w)
}

func (s *AuditService) export(ctx context.Context, filter domain.AuditFilter, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	flush := func() error {
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return nil
	}

	written := 0
	var cursor *domain.Cursor
	for page := 0; written < s.exportMaxRows; page++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		size := s.exportChunkSize
		if remaining := s.exportMaxRows - written; remaining < size {
			size = remaining
		}

		chunk, err := s.repo.ListPage(ctx, filter, cursor, size)
		if err != nil {
			return written, fmt.Errorf("failed to fetch export chunk: %w", err)
		}

		// The header is held back until the first fetch succeeds.
		if page == 0 {
			if err := cw.Write(ExportColumns); err != nil {
				return 0, fmt.Errorf("failed to write export header: %w", err)
			}
		}

		for _, rec := range chunk {
			if err := cw.Write(exportRow(rec)); err != nil {
				return written, fmt.Errorf("failed to write export row: %w", err)
			}
			written++
		}
		if err := flush(); err != nil {
			return written, err
		}

		if len(chunk) < size {
			break
		}
		last := chunk[len(chunk)-1]
		cursor = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	return written, nil
}

func exportRow(rec domain.AuditRecord) []string {
	return []string{
		rec.ID,
		domain.StringValue(rec.TenantID),
		rec.EventType,
		rec.Level,
		rec.Category,
		rec.ResourceType,
		domain.StringValue(rec.ResourceID),
		rec.Action,
		rec.Outcome,
		domain.StringValue(rec.UserID),
		domain.StringValue(rec.UserEmail),
		domain.StringValue(rec.IPAddress),
		domain.StringValue(rec.UserAgent),
		domain.StringValue(rec.RequestID),
		rec.CreatedAt.UTC().Format(audit.TimestampFormat),
	}
}

// VerifyTenant verifies the chain the caller in ctx may see for the requested tenant.
func (s *AuditService) VerifyTenant(ctx context.Context, requested string) (*domain.ChainReport, error) {
	actor, ok := domain.ActorFromContext(ctx)
	if !ok {
		return nil, domain.ErrForbidden
	}
	tenantID, err := ResolveTenant(actor, requested)
	if err != nil {
		return nil, err
	}
	return s.Verify(ctx, tenantID)
}

// Verify walks a tenant's archived and live records in chain order and reports every
// record whose digest or link does not hold. A nil tenantID verifies the platform chain.
func (s *AuditService) Verify(ctx context.Context, tenantID *string) (*domain.ChainReport, error) {
	verifier := audit.NewChainVerifier(tenantID)
	err := s.repo.WalkChain(ctx, tenantID, func(rec domain.AuditRecord) error {
		verifier.Check(rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify audit chain: %w", err)
	}

	report := verifier.Report()
	if !report.Valid {
		log.WithFields(log.Fields{
			"tenant_id": domain.StringValue(tenantID),
			"breaks":    len(report.Breaks),
		}).Warn("Audit chain verification found breaks")
	}
	return &report, nil
}
