package repository

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"audit-service/internal/domain"
)

// MemoryAuditStore keeps the live and archive tables in memory. It backs STORE_DRIVER=memory
// and the service tests, and follows the same filter and ordering rules as the Postgres store.
type MemoryAuditStore struct {
	mu      sync.Mutex
	live    []domain.AuditRecord
	archive map[string]domain.AuditRecord
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{archive: make(map[string]domain.AuditRecord)}
}

func (m *MemoryAuditStore) Append(ctx context.Context, rec *domain.AuditRecord, seal func(tail *domain.ChainTail) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tail := m.tailLocked(rec.TenantID)
	if err := seal(tail); err != nil {
		return err
	}
	m.live = append(m.live, *rec)
	return nil
}

func (m *MemoryAuditStore) tailLocked(tenantID *string) *domain.ChainTail {
	var newest *domain.AuditRecord
	pick := func(rec domain.AuditRecord) {
		if !sameTenant(rec.TenantID, tenantID) {
			return
		}
		if newest == nil || newerThan(rec, *newest) {
			r := rec
			newest = &r
		}
	}

	for _, rec := range m.live {
		pick(rec)
	}
	if newest == nil {
		for _, rec := range m.archive {
			pick(rec)
		}
	}
	if newest == nil {
		return nil
	}
	return &domain.ChainTail{EventHash: newest.EventHash, CreatedAt: newest.CreatedAt, ID: newest.ID}
}

func (m *MemoryAuditStore) GetByID(ctx context.Context, id string) (*domain.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.live {
		if rec.ID == id {
			r := rec
			return &r, nil
		}
	}
	return nil, domain.ErrAuditRecordNotFound
}

func (m *MemoryAuditStore) List(ctx context.Context, filter domain.AuditFilter, skip, limit int) ([]domain.AuditRecord, int64, error) {
	matched := m.matching(filter)
	total := int64(len(matched))

	if skip >= len(matched) {
		return []domain.AuditRecord{}, total, nil
	}
	end := skip + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[skip:end], total, nil
}

func (m *MemoryAuditStore) ListPage(ctx context.Context, filter domain.AuditFilter, after *domain.Cursor, limit int) ([]domain.AuditRecord, error) {
	matched := m.matching(filter)

	start := 0
	if after != nil {
		start = sort.Search(len(matched), func(i int) bool {
			rec := matched[i]
			if !rec.CreatedAt.Equal(after.CreatedAt) {
				return rec.CreatedAt.Before(after.CreatedAt)
			}
			return rec.ID < after.ID
		})
	}

	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func (m *MemoryAuditStore) Summary(ctx context.Context, filter domain.AuditFilter) (*domain.AuditSummary, error) {
	matched := m.matching(filter)

	byEventType := map[string]int64{}
	byLevel := map[string]int64{}
	byOutcome := map[string]int64{}
	for _, rec := range matched {
		byEventType[orUnknown(rec.EventType)]++
		byLevel[orUnknown(rec.Level)]++
		byOutcome[orUnknown(rec.Outcome)]++
	}

	return &domain.AuditSummary{
		Total:       int64(len(matched)),
		ByEventType: summaryItems(byEventType),
		ByLevel:     summaryItems(byLevel),
		ByOutcome:   summaryItems(byOutcome),
		RangeStart:  filter.StartTime,
		RangeEnd:    filter.EndTime,
	}, nil
}

func (m *MemoryAuditStore) WalkChain(ctx context.Context, tenantID *string, fn func(domain.AuditRecord) error) error {
	m.mu.Lock()
	chain := []domain.AuditRecord{}
	for _, rec := range m.archive {
		if sameTenant(rec.TenantID, tenantID) {
			chain = append(chain, rec)
		}
	}
	for _, rec := range m.live {
		if _, archived := m.archive[rec.ID]; archived {
			continue
		}
		if sameTenant(rec.TenantID, tenantID) {
			chain = append(chain, rec)
		}
	}
	m.mu.Unlock()

	sort.Slice(chain, func(i, j int) bool { return newerThan(chain[j], chain[i]) })

	for _, rec := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryAuditStore) ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	eligible := []domain.AuditRecord{}
	for _, rec := range m.live {
		if rec.CreatedAt.Before(cutoff) {
			eligible = append(eligible, rec)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return newerThan(eligible[j], eligible[i]) })
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	moved := make(map[string]struct{}, len(eligible))
	for _, rec := range eligible {
		if _, ok := m.archive[rec.ID]; !ok {
			m.archive[rec.ID] = rec
		}
		moved[rec.ID] = struct{}{}
	}

	kept := m.live[:0]
	for _, rec := range m.live {
		if _, ok := moved[rec.ID]; !ok {
			kept = append(kept, rec)
		}
	}
	m.live = kept

	return len(eligible), nil
}

func (m *MemoryAuditStore) PurgeArchive(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, rec := range m.archive {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.archive, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryAuditStore) CountEligible(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, rec := range m.live {
		if rec.CreatedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

// Archived returns a copy of the archive table, oldest first.
func (m *MemoryAuditStore) Archived() []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.AuditRecord, 0, len(m.archive))
	for _, rec := range m.archive {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return newerThan(out[j], out[i]) })
	return out
}

// Insert stores rec in the live table as-is. Tests use it to seed history and tampered rows.
func (m *MemoryAuditStore) Insert(rec domain.AuditRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = append(m.live, rec)
}

// InsertArchived stores rec in the archive table as-is.
func (m *MemoryAuditStore) InsertArchived(rec domain.AuditRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archive[rec.ID] = rec
}

// matching returns the live records accepted by filter, newest first.
func (m *MemoryAuditStore) matching(filter domain.AuditFilter) []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.AuditRecord{}
	for _, rec := range m.live {
		if matchesFilter(rec, filter) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newerThan(out[i], out[j]) })
	return out
}

func matchesFilter(rec domain.AuditRecord, filter domain.AuditFilter) bool {
	if filter.TenantID != nil && (rec.TenantID == nil || *rec.TenantID != *filter.TenantID) {
		return false
	}
	if filter.StartTime != nil && rec.CreatedAt.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && rec.CreatedAt.After(*filter.EndTime) {
		return false
	}

	checks := []struct {
		want string
		got  string
	}{
		{filter.EventType, rec.EventType},
		{filter.Level, rec.Level},
		{filter.Category, rec.Category},
		{filter.Action, rec.Action},
		{filter.ResourceType, rec.ResourceType},
		{filter.ResourceID, domain.StringValue(rec.ResourceID)},
		{filter.UserID, domain.StringValue(rec.UserID)},
		{filter.UserEmail, domain.StringValue(rec.UserEmail)},
		{filter.RequestID, domain.StringValue(rec.RequestID)},
		{filter.IPAddress, domain.StringValue(rec.IPAddress)},
		{filter.Outcome, rec.Outcome},
	}
	for _, c := range checks {
		if c.want != "" && c.want != c.got {
			return false
		}
	}

	if filter.RestrictUsers {
		if rec.UserID == nil || !slices.Contains(filter.UserIDs, *rec.UserID) {
			return false
		}
	}

	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		haystack := []string{
			rec.EventType,
			rec.ResourceType,
			rec.Action,
			domain.StringValue(rec.UserEmail),
			domain.StringValue(rec.IPAddress),
			domain.StringValue(rec.RequestID),
			domain.StringValue(rec.ResourceID),
		}
		found := false
		for _, h := range haystack {
			if strings.Contains(strings.ToLower(h), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// newerThan orders records by (created_at, id) descending.
func newerThan(a, b domain.AuditRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func sameTenant(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func summaryItems(counts map[string]int64) []domain.SummaryItem {
	items := make([]domain.SummaryItem, 0, len(counts))
	for key, count := range counts {
		items = append(items, domain.SummaryItem{Key: key, Count: count})
	}
	SortSummaryItems(items)
	return items
}
