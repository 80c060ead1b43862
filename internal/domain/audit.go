package domain

import (
	"errors"
	"time"
)

var (
	ErrAuditRecordNotFound = errors.New("audit record not found")
	ErrInvalidAuditEvent   = errors.New("invalid audit event")
	ErrQueueFull           = errors.New("audit queue is full")
	ErrDispatcherClosed    = errors.New("audit dispatcher is closed")
)

const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

const (
	CategorySecurity = "security"
	CategoryAudit    = "audit"
	CategorySystem   = "system"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// EventTypeEntityChange is the event type emitted for observed entity mutations.
const EventTypeEntityChange = "entity_change"

// Table names of the two audit stores. Entities with these resource types are never audited.
const (
	AuditLogTable     = "audit_logs"
	AuditArchiveTable = "audit_logs_archive"
)

// AuditEvent is an audit entry before it has been redacted, chained and persisted.
type AuditEvent struct {
	TenantID     string         `json:"tenant_id,omitempty"`
	EventType    string         `json:"event_type"`
	Level        string         `json:"level,omitempty"`
	Category     string         `json:"category,omitempty"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action"`
	Outcome      string         `json:"outcome,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	UserEmail    string         `json:"user_email,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	OldValue     map[string]any `json:"old_value,omitempty"`
	NewValue     map[string]any `json:"new_value,omitempty"`
	ExtraData    map[string]any `json:"extra_data,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
}

// WithActor fills actor and request fields that the event does not already carry.
func (e AuditEvent) WithActor(actor Actor) AuditEvent {
	if e.TenantID == "" {
		e.TenantID = actor.TenantID
	}
	if e.UserID == "" {
		e.UserID = actor.UserID
	}
	if e.UserEmail == "" {
		e.UserEmail = actor.Email
	}
	if e.IPAddress == "" {
		e.IPAddress = actor.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = actor.UserAgent
	}
	if e.RequestID == "" {
		e.RequestID = actor.RequestID
	}
	return e
}

// StampActor replaces the identity and request fields with the caller's own. The tenant is
// only filled when blank.
func (e AuditEvent) StampActor(actor Actor) AuditEvent {
	if e.TenantID == "" {
		e.TenantID = actor.TenantID
	}
	e.UserID = actor.UserID
	e.UserEmail = actor.Email
	e.IPAddress = actor.IPAddress
	e.UserAgent = actor.UserAgent
	e.RequestID = actor.RequestID
	return e
}

func (e AuditEvent) Validate() error {
	if e.EventType == "" || e.ResourceType == "" || e.Action == "" {
		return ErrInvalidAuditEvent
	}
	switch e.Level {
	case "", LevelInfo, LevelWarn, LevelError:
	default:
		return ErrInvalidAuditEvent
	}
	switch e.Outcome {
	case "", OutcomeSuccess, OutcomeFailure:
	default:
		return ErrInvalidAuditEvent
	}
	return nil
}

// AuditRecord is one persisted, chained entry. Live and archived records share this shape.
type AuditRecord struct {
	ID           string         `json:"id"`
	TenantID     *string        `json:"tenant_id"`
	EventType    string         `json:"event_type"`
	Level        string         `json:"level"`
	Category     string         `json:"category"`
	ResourceType string         `json:"resource_type"`
	ResourceID   *string        `json:"resource_id"`
	Action       string         `json:"action"`
	Outcome      string         `json:"outcome"`
	UserID       *string        `json:"user_id"`
	UserEmail    *string        `json:"user_email"`
	IPAddress    *string        `json:"ip_address"`
	UserAgent    *string        `json:"user_agent"`
	RequestID    *string        `json:"request_id"`
	OldValue     map[string]any `json:"old_value"`
	NewValue     map[string]any `json:"new_value"`
	ExtraData    map[string]any `json:"extra_data"`
	Tags         []string       `json:"tags"`
	EventHash    string         `json:"event_hash"`
	PrevHash     *string        `json:"prev_hash"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AuditFilter narrows list, summary and export reads. Empty strings mean "no filter".
type AuditFilter struct {
	TenantID     *string
	StartTime    *time.Time
	EndTime      *time.Time
	EventType    string
	Level        string
	Category     string
	Action       string
	ResourceType string
	ResourceID   string
	UserID       string
	UserEmail    string
	RequestID    string
	IPAddress    string
	Outcome      string
	Search       string

	// RestrictUsers limits results to UserIDs, even when UserIDs is empty.
	RestrictUsers bool
	UserIDs       []string
}

// ChainTail is the newest record of a tenant chain, as seen by the writer.
type ChainTail struct {
	EventHash string
	CreatedAt time.Time
	ID        string
}

// Cursor is a keyset position in newest-first order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type SummaryItem struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type AuditSummary struct {
	Total       int64         `json:"total"`
	ByEventType []SummaryItem `json:"by_event_type"`
	ByLevel     []SummaryItem `json:"by_level"`
	ByOutcome   []SummaryItem `json:"by_outcome"`
	RangeStart  *time.Time    `json:"range_start"`
	RangeEnd    *time.Time    `json:"range_end"`
}

type ChainBreak struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// ChainReport is the result of walking one tenant's archive and live records in chain order.
type ChainReport struct {
	TenantID  *string      `json:"tenant_id"`
	Checked   int          `json:"checked"`
	Truncated bool         `json:"truncated"`
	Valid     bool         `json:"valid"`
	Breaks    []ChainBreak `json:"breaks"`
}

// ArchiveResult summarises one archival run.
type ArchiveResult struct {
	Archived int   `json:"archived"`
	Batches  int   `json:"batches"`
	Purged   int64 `json:"purged"`
}

// Auditable is implemented by business entities whose mutations are recorded.
type Auditable interface {
	AuditResourceType() string
	AuditResourceID() string
	AuditTenantID() string
	AuditState() map[string]any
}
