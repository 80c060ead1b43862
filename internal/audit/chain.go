package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"audit-service/internal/domain"
)

// TimestampFormat is the fixed-width UTC form of created_at inside the hash input.
// Postgres keeps microseconds, so created_at is truncated to that before hashing.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// TruncateTime brings t to the precision the store round-trips.
func TruncateTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// CanonicalPayload serializes the hashed subset of rec together with prevHash.
// encoding/json sorts map keys and emits no whitespace, which makes the output canonical.
func CanonicalPayload(rec *domain.AuditRecord, prevHash *string) ([]byte, error) {
	payload := map[string]any{
		"tenant_id":     rec.TenantID,
		"event_type":    rec.EventType,
		"level":         rec.Level,
		"category":      rec.Category,
		"resource_type": rec.ResourceType,
		"resource_id":   rec.ResourceID,
		"action":        rec.Action,
		"outcome":       rec.Outcome,
		"user_id":       rec.UserID,
		"user_email":    rec.UserEmail,
		"ip_address":    rec.IPAddress,
		"user_agent":    rec.UserAgent,
		"request_id":    rec.RequestID,
		"old_value":     rec.OldValue,
		"new_value":     rec.NewValue,
		"extra_data":    rec.ExtraData,
		"tags":          rec.Tags,
		"prev_hash":     prevHash,
		"created_at":    TruncateTime(rec.CreatedAt).Format(TimestampFormat),
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("failed to encode canonical payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Build returns the hex SHA-256 digest of the canonical payload and the payload itself.
// The caller supplies prevHash: the chain tail for the record's tenant, nil for the first record.
func Build(rec *domain.AuditRecord, prevHash *string) (string, []byte, error) {
	payload, err := CanonicalPayload(rec, prevHash)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), payload, nil
}

// Seal links rec to prevHash and stores the resulting digest on it.
func Seal(rec *domain.AuditRecord, prevHash *string) error {
	rec.CreatedAt = TruncateTime(rec.CreatedAt)
	hash, _, err := Build(rec, prevHash)
	if err != nil {
		return err
	}
	if prevHash != nil {
		prev := *prevHash
		rec.PrevHash = &prev
	} else {
		rec.PrevHash = nil
	}
	rec.EventHash = hash
	return nil
}

// Recompute derives the digest from the record's stored fields and its own prev_hash.
func Recompute(rec *domain.AuditRecord) (string, error) {
	hash, _, err := Build(rec, rec.PrevHash)
	return hash, err
}

// ChainVerifier checks records fed to it in (created_at, id) ascending order.
type ChainVerifier struct {
	report   domain.ChainReport
	lastHash string
}

func NewChainVerifier(tenantID *string) *ChainVerifier {
	return &ChainVerifier{
		report: domain.ChainReport{TenantID: tenantID, Breaks: []domain.ChainBreak{}},
	}
}

func (v *ChainVerifier) Check(rec domain.AuditRecord) {
	first := v.report.Checked == 0
	v.report.Checked++

	hash, err := Recompute(&rec)
	switch {
	case err != nil:
		v.addBreak(rec.ID, "unhashable", "", err.Error())
	case hash != rec.EventHash:
		v.addBreak(rec.ID, "hash_mismatch", hash, rec.EventHash)
	}

	switch {
	case first:
		// Predecessors may have been purged by retention.
		if rec.PrevHash != nil {
			v.report.Truncated = true
		}
	case rec.PrevHash == nil:
		v.addBreak(rec.ID, "missing_prev_hash", v.lastHash, "")
	case *rec.PrevHash != v.lastHash:
		v.addBreak(rec.ID, "prev_hash_mismatch", v.lastHash, *rec.PrevHash)
	}

	v.lastHash = rec.EventHash
}

func (v *ChainVerifier) Report() domain.ChainReport {
	report := v.report
	report.Valid = len(report.Breaks) == 0
	return report
}

func (v *ChainVerifier) addBreak(id, reason, expected, actual string) {
	v.report.Breaks = append(v.report.Breaks, domain.ChainBreak{
		RecordID: id,
		Reason:   reason,
		Expected: expected,
		Actual:   actual,
	})
}
