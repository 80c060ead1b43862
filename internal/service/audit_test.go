package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"audit-service/internal/audit"
	"audit-service/internal/domain"
	"audit-service/internal/repository"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func platformCtx() context.Context {
	return domain.WithActor(context.Background(), domain.Actor{UserID: "admin", Role: domain.RolePlatformAdmin})
}

func newTestAuditService(store AuditRepository, publisher RecordPublisher) *AuditService {
	s := NewAuditService(store, publisher, AuditOptions{ExportMaxRows: 5000, ExportChunkSize: 500})
	s.now = func() time.Time { return fixedNow }
	return s
}

func event(tenant, resourceID string) domain.AuditEvent {
	return domain.AuditEvent{
		TenantID:     tenant,
		EventType:    domain.EventTypeEntityChange,
		ResourceType: "clients",
		ResourceID:   resourceID,
		Action:       domain.ActionUpdate,
		UserID:       "u-1",
	}
}

type publisherFunc func(ctx context.Context, rec domain.AuditRecord) error

func (f publisherFunc) Publish(ctx context.Context, rec domain.AuditRecord) error { return f(ctx, rec) }

func TestRecord_ChainsRecordsOfOneTenant(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	s := newTestAuditService(store, nil)
	ctx := context.Background()

	a, err := s.Record(ctx, event("T", "a"))
	require.NoError(t, err)
	b, err := s.Record(ctx, event("T", "b"))
	require.NoError(t, err)
	c, err := s.Record(ctx, event("T", "c"))
	require.NoError(t, err)

	assert.Nil(t, a.PrevHash)
	require.NotNil(t, b.PrevHash)
	assert.Equal(t, a.EventHash, *b.PrevHash)
	require.NotNil(t, c.PrevHash)
	assert.Equal(t, b.EventHash, *c.PrevHash)

	// Same clock reading for all three; ordering still follows the chain.
	assert.True(t, b.CreatedAt.After(a.CreatedAt))
	assert.True(t, c.CreatedAt.After(b.CreatedAt))

	chain := []string{}
	tenant := "T"
	err = store.WalkChain(ctx, &tenant, func(rec domain.AuditRecord) error {
		chain = append(chain, domain.StringValue(rec.ResourceID))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, chain)

	report, err := s.Verify(ctx, &tenant)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Checked)
	assert.False(t, report.Truncated)
}

func TestRecord_TenantsHaveIndependentChains(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	s := newTestAuditService(store, nil)
	ctx := context.Background()

	_, err := s.Record(ctx, event("T1", "a"))
	require.NoError(t, err)
	first, err := s.Record(ctx, event("T2", "a"))
	require.NoError(t, err)
	platform, err := s.Record(ctx, event("", "a"))
	require.NoError(t, err)

	assert.Nil(t, first.PrevHash)
	assert.Nil(t, platform.PrevHash)
	assert.Nil(t, platform.TenantID)
}

func TestRecord_RedactsBeforeHashing(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	s := newTestAuditService(store, nil)

	ev := event("T", "a")
	ev.OldValue = map[string]any{"password": "s3cr3t", "email": "a@b.com"}
	ev.ExtraData = map[string]any{"session": map[string]any{"refresh_token": "abc"}}

	rec, err := s.Record(context.Background(), ev)
	require.NoError(t, err)

	stored, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)

	if diff := cmp.Diff(map[string]any{"password": "***", "email": "a@b.com"}, stored.OldValue); diff != "" {
		t.Errorf("old_value mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"session": map[string]any{"refresh_token": "***"}}, stored.ExtraData); diff != "" {
		t.Errorf("extra_data mismatch (-want +got):\n%s", diff)
	}

	recomputed, err := audit.Recompute(stored)
	require.NoError(t, err)
	assert.Equal(t, stored.EventHash, recomputed)

	unmasked := *stored
	unmasked.OldValue = map[string]any{"password": "s3cr3t", "email": "a@b.com"}
	secretHash, err := audit.Recompute(&unmasked)
	require.NoError(t, err)
	assert.NotEqual(t, stored.EventHash, secretHash)
}

func TestRecord_AppliesDefaults(t *testing.T) {
	s := newTestAuditService(repository.NewMemoryAuditStore(), nil)

	rec, err := s.Record(context.Background(), event("T", "a"))
	require.NoError(t, err)

	assert.Equal(t, domain.LevelInfo, rec.Level)
	assert.Equal(t, domain.CategorySystem, rec.Category)
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, fixedNow, rec.CreatedAt)
	assert.Nil(t, rec.UserEmail)
}

func TestRecord_RejectsInvalidEvent(t *testing.T) {
	s := newTestAuditService(repository.NewMemoryAuditStore(), nil)

	_, err := s.Record(context.Background(), domain.AuditEvent{EventType: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidAuditEvent)

	ev := event("T", "a")
	ev.Level = "critical"
	_, err = s.Record(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrInvalidAuditEvent)
}

func TestRecord_PublishFailureKeepsRecord(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	var published []string
	s := newTestAuditService(store, publisherFunc(func(ctx context.Context, rec domain.AuditRecord) error {
		published = append(published, rec.ID)
		return errors.New("broker down")
	}))

	rec, err := s.Record(context.Background(), event("T", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, published)

	_, err = store.GetByID(context.Background(), rec.ID)
	assert.NoError(t, err)
}

func TestRecord_ConcurrentWritesStayLinear(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	s := newTestAuditService(store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Record(context.Background(), event("T", fmt.Sprintf("r%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	tenant := "T"
	report, err := s.Verify(context.Background(), &tenant)
	require.NoError(t, err)
	assert.Equal(t, 50, report.Checked)
	assert.True(t, report.Valid, "breaks: %+v", report.Breaks)
}

func TestCreate_ScopesManualEntries(t *testing.T) {
	s := newTestAuditService(repository.NewMemoryAuditStore(), nil)
	admin := domain.Actor{UserID: "u-9", Email: "admin@t1.example", TenantID: "T1", Role: domain.RoleTenantAdmin, RequestID: "req-1"}
	ctx := domain.WithActor(context.Background(), admin)

	t.Run("own_tenant", func(t *testing.T) {
		ev := event("", "a")
		ev.UserID = ""
		rec, err := s.Create(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, "T1", domain.StringValue(rec.TenantID))
		assert.Equal(t, "u-9", domain.StringValue(rec.UserID))
		assert.Equal(t, "admin@t1.example", domain.StringValue(rec.UserEmail))
		assert.Equal(t, "req-1", domain.StringValue(rec.RequestID))
	})

	t.Run("body_cannot_set_identity", func(t *testing.T) {
		ev := event("", "a")
		ev.UserID = "victim"
		ev.UserEmail = "victim@example.com"
		ev.IPAddress = "6.6.6.6"
		ev.UserAgent = "forged"
		ev.RequestID = "fake"
		rec, err := s.Create(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, "u-9", domain.StringValue(rec.UserID))
		assert.Equal(t, "admin@t1.example", domain.StringValue(rec.UserEmail))
		assert.Equal(t, "req-1", domain.StringValue(rec.RequestID))
		assert.Nil(t, rec.IPAddress)
		assert.Nil(t, rec.UserAgent)
	})

	t.Run("other_tenant", func(t *testing.T) {
		_, err := s.Create(ctx, event("T2", "a"))
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("supervisor", func(t *testing.T) {
		sup := domain.WithActor(context.Background(), domain.Actor{TenantID: "T1", Role: domain.RoleSupervisor})
		_, err := s.Create(sup, event("", "a"))
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("anonymous", func(t *testing.T) {
		_, err := s.Create(context.Background(), event("", "a"))
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})
}

func TestScopeFilter(t *testing.T) {
	t2 := "T2"
	t1 := "T1"

	tests := []struct {
		name    string
		actor   domain.Actor
		filter  domain.AuditFilter
		want    domain.AuditFilter
		wantErr error
	}{
		{
			name:   "platform_any_tenant",
			actor:  domain.Actor{Role: domain.RolePlatformUser},
			filter: domain.AuditFilter{TenantID: &t2},
			want:   domain.AuditFilter{TenantID: &t2},
		},
		{
			name:   "platform_all_tenants",
			actor:  domain.Actor{Role: domain.RolePlatformAdmin},
			filter: domain.AuditFilter{},
			want:   domain.AuditFilter{},
		},
		{
			name:   "tenant_admin_forced_to_own_tenant",
			actor:  domain.Actor{TenantID: "T1", Role: domain.RoleTenantAdmin},
			filter: domain.AuditFilter{Level: domain.LevelWarn},
			want:   domain.AuditFilter{TenantID: &t1, Level: domain.LevelWarn},
		},
		{
			name:    "tenant_admin_other_tenant",
			actor:   domain.Actor{TenantID: "T1", Role: domain.RoleTenantAdmin},
			filter:  domain.AuditFilter{TenantID: &t2},
			wantErr: domain.ErrForbidden,
		},
		{
			name:   "supervisor_whole_team",
			actor:  domain.Actor{TenantID: "T1", Role: domain.RoleSupervisor, TeamUserIDs: []string{"u1", "u2"}},
			filter: domain.AuditFilter{},
			want:   domain.AuditFilter{TenantID: &t1, RestrictUsers: true, UserIDs: []string{"u1", "u2"}},
		},
		{
			name:   "supervisor_one_member",
			actor:  domain.Actor{TenantID: "T1", Role: domain.RoleSupervisor, TeamUserIDs: []string{"u1", "u2"}},
			filter: domain.AuditFilter{UserID: "u2"},
			want:   domain.AuditFilter{TenantID: &t1, UserID: "u2", RestrictUsers: true, UserIDs: []string{"u2"}},
		},
		{
			name:    "supervisor_outside_team",
			actor:   domain.Actor{TenantID: "T1", Role: domain.RoleSupervisor, TeamUserIDs: []string{"u1"}},
			filter:  domain.AuditFilter{UserID: "u3"},
			wantErr: domain.ErrForbidden,
		},
		{
			name:   "supervisor_without_team",
			actor:  domain.Actor{TenantID: "T1", Role: domain.RoleSupervisor},
			filter: domain.AuditFilter{},
			want:   domain.AuditFilter{TenantID: &t1, RestrictUsers: true},
		},
		{
			name:    "unknown_role",
			actor:   domain.Actor{TenantID: "T1", Role: "advisor"},
			wantErr: domain.ErrForbidden,
		},
		{
			name:    "no_tenant",
			actor:   domain.Actor{Role: domain.RoleTenantAdmin},
			wantErr: domain.ErrForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ScopeFilter(tt.actor, tt.filter)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("filter mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestList_ScopedAndPaginated(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	s := newTestAuditService(store, nil)
	for i := 0; i < 3; i++ {
		_, err := s.Record(context.Background(), event("T1", fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
	}
	_, err := s.Record(context.Background(), event("T2", "x"))
	require.NoError(t, err)

	ctx := domain.WithActor(context.Background(), domain.Actor{TenantID: "T1", Role: domain.RoleTenantAdmin})
	records, total, err := s.List(ctx, domain.AuditFilter{}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, records, 2)
	assert.Equal(t, "r2", domain.StringValue(records[0].ResourceID))

	_, _, err = s.List(ctx, domain.AuditFilter{}, -1, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)

	start := fixedNow.Add(time.Hour)
	end := fixedNow
	_, _, err = s.List(ctx, domain.AuditFilter{StartTime: &start, EndTime: &end}, 0, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)
}

func TestGet_HidesOtherTenants(t *testing.T) {
	s := newTestAuditService(repository.NewMemoryAuditStore(), nil)
	rec, err := s.Record(context.Background(), event("T2", "a"))
	require.NoError(t, err)

	ctx := domain.WithActor(context.Background(), domain.Actor{TenantID: "T1", Role: domain.RoleTenantAdmin})
	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrAuditRecordNotFound)

	got, err := s.Get(platformCtx(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.EventHash, got.EventHash)

	_, err = s.Get(platformCtx(), "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrInvalidUUID)
}

func TestSummary(t *testing.T) {
	s := newTestAuditService(repository.NewMemoryAuditStore(), nil)
	for _, outcome := range []string{domain.OutcomeSuccess, domain.OutcomeFailure, domain.OutcomeSuccess} {
		ev := event("T1", "a")
		ev.Outcome = outcome
		_, err := s.Record(context.Background(), ev)
		require.NoError(t, err)
	}

	summary, err := s.Summary(platformCtx(), domain.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Total)
	assert.Equal(t, []domain.SummaryItem{{Key: "success", Count: 2}, {Key: "failure", Count: 1}}, summary.ByOutcome)
}

func seedRecords(store *repository.MemoryAuditStore, n int) {
	for i := 0; i < n; i++ {
		store.Insert(domain.AuditRecord{
			ID:           fmt.Sprintf("r%05d", i),
			TenantID:     domain.NullableString("T"),
			EventType:    domain.EventTypeEntityChange,
			Level:        domain.LevelInfo,
			Category:     domain.CategoryAudit,
			ResourceType: "clients",
			Action:       domain.ActionCreate,
			Outcome:      domain.OutcomeSuccess,
			CreatedAt:    fixedNow.Add(time.Duration(i) * time.Second),
		})
	}
}

func exportRows(t *testing.T, s *AuditService, filter domain.AuditFilter) [][]string {
	t.Helper()
	var buf bytes.Buffer
	_, err := s.Export(platformCtx(), filter, &buf)
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestExport_RowCounts(t *testing.T) {
	tests := []struct {
		name     string
		records  int
		wantRows int
	}{
		{name: "empty", records: 0, wantRows: 1},
		{name: "under_cap", records: 3, wantRows: 4},
		{name: "chunk_multiple", records: 1000, wantRows: 1001},
		{name: "at_cap", records: 5000, wantRows: 5001},
		{name: "over_cap", records: 5003, wantRows: 5001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repository.NewMemoryAuditStore()
			seedRecords(store, tt.records)
			s := newTestAuditService(store, nil)

			rows := exportRows(t, s, domain.AuditFilter{})
			assert.Len(t, rows, tt.wantRows)
			assert.Equal(t, ExportColumns, rows[0])
		})
	}
}

func TestExport_NewestFirstWithoutDuplicates(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	seedRecords(store, 1203)
	s := NewAuditService(store, nil, AuditOptions{ExportMaxRows: 5000, ExportChunkSize: 100})

	rows := exportRows(t, s, domain.AuditFilter{})
	require.Len(t, rows, 1204)

	seen := map[string]bool{}
	for _, row := range rows[1:] {
		assert.False(t, seen[row[0]], "duplicate %s", row[0])
		seen[row[0]] = true
	}
	assert.Equal(t, "r01202", rows[1][0])
	assert.Equal(t, "r00000", rows[len(rows)-1][0])
}

func TestExport_RowShape(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	s := newTestAuditService(store, nil)
	ev := event("T", "c-1")
	ev.UserEmail = "a@b.com"
	ev.IPAddress = "10.0.0.1"
	rec, err := s.Record(context.Background(), ev)
	require.NoError(t, err)

	rows := exportRows(t, s, domain.AuditFilter{})
	require.Len(t, rows, 2)
	assert.Equal(t, []string{
		rec.ID, "T", "entity_change", "info", "system", "clients", "c-1", "update", "success",
		"u-1", "a@b.com", "10.0.0.1", "", "", "2026-05-04T10:00:00.000000Z",
	}, rows[1])
}

type failingPageStore struct {
	*repository.MemoryAuditStore
	failAt int
	calls  int
}

func (f *failingPageStore) ListPage(ctx context.Context, filter domain.AuditFilter, after *domain.Cursor, limit int) ([]domain.AuditRecord, error) {
	f.calls++
	if f.calls >= f.failAt {
		return nil, errors.New("db down")
	}
	return f.MemoryAuditStore.ListPage(ctx, filter, after, limit)
}

func TestExport_FirstFetchFailureWritesNothing(t *testing.T) {
	store := &failingPageStore{MemoryAuditStore: repository.NewMemoryAuditStore(), failAt: 1}
	s := newTestAuditService(store, nil)

	var buf bytes.Buffer
	_, err := s.Export(platformCtx(), domain.AuditFilter{}, &buf)
	assert.ErrorContains(t, err, "db down")
	assert.Zero(t, buf.Len())
}

func TestExport_LaterFetchFailureKeepsWrittenRows(t *testing.T) {
	mem := repository.NewMemoryAuditStore()
	seedRecords(mem, 5)
	store := &failingPageStore{MemoryAuditStore: mem, failAt: 2}
	s := NewAuditService(store, nil, AuditOptions{ExportMaxRows: 5000, ExportChunkSize: 2})

	var buf bytes.Buffer
	written, err := s.Export(platformCtx(), domain.AuditFilter{}, &buf)
	assert.Error(t, err)
	assert.Equal(t, 2, written)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRecord_ReplacesInvalidUTF8(t *testing.T) {
	s := newTestAuditService(repository.NewMemoryAuditStore(), nil)
	ev := event("T", "a")
	ev.UserAgent = "curl/\xff\xfe8.0"

	rec, err := s.Record(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, "curl/\uFFFD8.0", domain.StringValue(rec.UserAgent))
	assert.True(t, utf8.ValidString(domain.StringValue(rec.UserAgent)))
}

func TestExport_ForbiddenBeforeWriting(t *testing.T) {
	s := newTestAuditService(repository.NewMemoryAuditStore(), nil)

	var buf bytes.Buffer
	_, err := s.Export(context.Background(), domain.AuditFilter{}, &buf)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Zero(t, buf.Len())
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := repository.NewMemoryAuditStore()
	s := newTestAuditService(store, nil)
	ctx := context.Background()

	a, err := s.Record(ctx, event("T", "a"))
	require.NoError(t, err)
	b, err := s.Record(ctx, event("T", "b"))
	require.NoError(t, err)

	// A record written around the service, claiming the same parent as b.
	forged := *b
	forged.ID = "ffffffff-0000-0000-0000-000000000000"
	forged.ResourceID = domain.NullableString("forged")
	forged.CreatedAt = b.CreatedAt.Add(time.Second)
	forged.EventHash, err = audit.Recompute(&forged)
	require.NoError(t, err)
	store.Insert(forged)

	tenant := "T"
	report, err := s.Verify(ctx, &tenant)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.Len(t, report.Breaks, 1)
	assert.Equal(t, forged.ID, report.Breaks[0].RecordID)
	assert.Equal(t, "prev_hash_mismatch", report.Breaks[0].Reason)
	assert.Equal(t, b.EventHash, report.Breaks[0].Expected)
	assert.Equal(t, a.EventHash, report.Breaks[0].Actual)
}

func TestResolveTenant(t *testing.T) {
	got, err := ResolveTenant(domain.Actor{Role: domain.RolePlatformAdmin}, "T9")
	require.NoError(t, err)
	assert.Equal(t, "T9", domain.StringValue(got))

	got, err = ResolveTenant(domain.Actor{Role: domain.RolePlatformAdmin}, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ResolveTenant(domain.Actor{TenantID: "T1", Role: domain.RoleTenantAdmin}, "")
	require.NoError(t, err)
	assert.Equal(t, "T1", domain.StringValue(got))

	_, err = ResolveTenant(domain.Actor{TenantID: "T1", Role: domain.RoleTenantAdmin}, "T2")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = ResolveTenant(domain.Actor{TenantID: "T1", Role: domain.RoleSupervisor}, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
