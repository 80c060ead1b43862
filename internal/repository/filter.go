package repository

import (
	"fmt"
	"strings"

	"audit-service/internal/domain"

	"github.com/lib/pq"
)

const auditColumns = `id, tenant_id, event_type, level, category, resource_type, resource_id, action, outcome,
	user_id, user_email, ip_address, user_agent, request_id,
	old_value, new_value, extra_data, tags, event_hash, prev_hash, created_at`

// searchColumns are matched by the free-text search filter.
var searchColumns = []string{
	"event_type", "resource_type", "action", "user_email", "ip_address", "request_id", "resource_id",
}

// auditWhere renders filter as a WHERE clause whose placeholders start at argPos.
// It returns the clause (starting with " WHERE 1=1"), its args and the next free position.
func auditWhere(filter domain.AuditFilter, argPos int) (string, []interface{}, int) {
	var where strings.Builder
	args := []interface{}{}

	where.WriteString(" WHERE 1=1")

	eq := func(column, value string) {
		if value == "" {
			return
		}
		where.WriteString(fmt.Sprintf(" AND %s = $%d", column, argPos))
		args = append(args, value)
		argPos++
	}

	if filter.TenantID != nil {
		where.WriteString(fmt.Sprintf(" AND tenant_id = $%d", argPos))
		args = append(args, *filter.TenantID)
		argPos++
	}
	if filter.StartTime != nil {
		where.WriteString(fmt.Sprintf(" AND created_at >= $%d", argPos))
		args = append(args, filter.StartTime.UTC())
		argPos++
	}
	if filter.EndTime != nil {
		where.WriteString(fmt.Sprintf(" AND created_at <= $%d", argPos))
		args = append(args, filter.EndTime.UTC())
		argPos++
	}

	eq("event_type", filter.EventType)
	eq("level", filter.Level)
	eq("category", filter.Category)
	eq("action", filter.Action)
	eq("resource_type", filter.ResourceType)
	eq("resource_id", filter.ResourceID)
	eq("user_id", filter.UserID)
	eq("user_email", filter.UserEmail)
	eq("request_id", filter.RequestID)
	eq("ip_address", filter.IPAddress)
	eq("outcome", filter.Outcome)

	if filter.RestrictUsers {
		where.WriteString(fmt.Sprintf(" AND user_id = ANY($%d)", argPos))
		args = append(args, pq.Array(filter.UserIDs))
		argPos++
	}

	if filter.Search != "" {
		parts := make([]string, len(searchColumns))
		for i, column := range searchColumns {
			parts[i] = fmt.Sprintf("%s ILIKE $%d", column, argPos)
		}
		where.WriteString(" AND (" + strings.Join(parts, " OR ") + ")")
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		argPos++
	}

	return where.String(), args, argPos
}

// escapeLike makes user input literal inside an ILIKE pattern.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
