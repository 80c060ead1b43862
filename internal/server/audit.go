package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"audit-service/internal/domain"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

type AuditService interface {
	Create(ctx context.Context, event domain.AuditEvent) (*domain.AuditRecord, error)
	Get(ctx context.Context, id string) (*domain.AuditRecord, error)
	List(ctx context.Context, filter domain.AuditFilter, skip, limit int) ([]domain.AuditRecord, int64, error)
	Summary(ctx context.Context, filter domain.AuditFilter) (*domain.AuditSummary, error)
	Export(ctx context.Context, filter domain.AuditFilter, w io.Writer) (int, error)
	VerifyTenant(ctx context.Context, tenantID string) (*domain.ChainReport, error)
}

type auditServer struct {
	auditService AuditService
	now          func() time.Time
}

func NewAuditServer(auditService AuditService) *auditServer {
	return &auditServer{
		auditService: auditService,
		now:          time.Now,
	}
}

type auditListResponse struct {
	Items   []domain.AuditRecord `json:"items"`
	Total   int64                `json:"total"`
	Skip    int                  `json:"skip"`
	Limit   int                  `json:"limit"`
	HasMore bool                 `json:"has_more"`
}

func handleAuditError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAuditRecordNotFound):
		return http.StatusNotFound, "audit record not found"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrInvalidFilter), errors.Is(err, domain.ErrInvalidAuditEvent), errors.Is(err, domain.ErrInvalidUUID):
		return http.StatusBadRequest, "invalid request"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func auditErrorResponse(c echo.Context, err error) error {
	statusCode, errorMsg := handleAuditError(err)
	return c.JSON(statusCode, map[string]string{
		"error": errorMsg,
	})
}

// parseAuditFilter reads the shared list, summary and export query parameters.
func parseAuditFilter(c echo.Context) (domain.AuditFilter, error) {
	filter := domain.AuditFilter{
		TenantID:     domain.NullableString(c.QueryParam("tenant_id")),
		EventType:    c.QueryParam("event_type"),
		Level:        c.QueryParam("level"),
		Category:     c.QueryParam("category"),
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   c.QueryParam("resource_id"),
		UserID:       c.QueryParam("user_id"),
		UserEmail:    c.QueryParam("user_email"),
		RequestID:    c.QueryParam("request_id"),
		IPAddress:    c.QueryParam("ip_address"),
		Outcome:      c.QueryParam("outcome"),
		Search:       c.QueryParam("search"),
	}

	var err error
	if filter.StartTime, err = parseTime(c.QueryParam("start_time")); err != nil {
		return filter, err
	}
	if filter.EndTime, err = parseTime(c.QueryParam("end_time")); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", domain.ErrInvalidFilter, s)
	}
	return &t, nil
}

func parseNonNegative(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, domain.ErrInvalidFilter
	}
	return n, nil
}

func (s *auditServer) ListAuditLogs(c echo.Context) error {
	skip, err := parseNonNegative(c.QueryParam("skip"), 0)
	if err != nil {
		return auditErrorResponse(c, err)
	}
	limit, err := parseNonNegative(c.QueryParam("limit"), domain.DefaultListLimit)
	if err != nil {
		return auditErrorResponse(c, err)
	}
	limit = domain.ClampLimit(limit)

	filter, err := parseAuditFilter(c)
	if err != nil {
		return auditErrorResponse(c, err)
	}

	records, total, err := s.auditService.List(c.Request().Context(), filter, skip, limit)
	if err != nil {
		log.WithError(err).Error("Failed to list audit logs")
		return auditErrorResponse(c, err)
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}

	return c.JSON(http.StatusOK, auditListResponse{
		Items:   records,
		Total:   total,
		Skip:    skip,
		Limit:   limit,
		HasMore: int64(skip+len(records)) < total,
	})
}

func (s *auditServer) GetAuditLog(c echo.Context) error {
	id := c.Param("id")

	rec, err := s.auditService.Get(c.Request().Context(), id)
	if err != nil {
		log.WithError(err).WithField("record_id", id).Error("Failed to get audit log")
		return auditErrorResponse(c, err)
	}

	return c.JSON(http.StatusOK, rec)
}

func (s *auditServer) GetAuditSummary(c echo.Context) error {
	filter, err := parseAuditFilter(c)
	if err != nil {
		return auditErrorResponse(c, err)
	}

	summary, err := s.auditService.Summary(c.Request().Context(), filter)
	if err != nil {
		log.WithError(err).Error("Failed to summarise audit logs")
		return auditErrorResponse(c, err)
	}

	return c.JSON(http.StatusOK, summary)
}

func (s *auditServer) CreateAuditLog(c echo.Context) error {
	var event domain.AuditEvent
	if err := c.Bind(&event); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request",
		})
	}

	rec, err := s.auditService.Create(c.Request().Context(), event)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"event_type":    event.EventType,
			"resource_type": event.ResourceType,
		}).Error("Failed to create audit log")
		return auditErrorResponse(c, err)
	}

	return c.JSON(http.StatusCreated, rec)
}

// ExportAuditLogs streams matching records as CSV. Errors raised before the first byte is
// written still get a JSON error response.
func (s *auditServer) ExportAuditLogs(c echo.Context) error {
	filter, err := parseAuditFilter(c)
	if err != nil {
		return auditErrorResponse(c, err)
	}

	res := c.Response()
	filename := fmt.Sprintf("audit_logs_%s.csv", s.now().UTC().Format("2006-01-02"))
	res.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))

	rows, err := s.auditService.Export(c.Request().Context(), filter, res)
	if err != nil {
		if !res.Committed {
			res.Header().Del(echo.HeaderContentType)
			res.Header().Del(echo.HeaderContentDisposition)
			log.WithError(err).Error("Failed to export audit logs")
			return auditErrorResponse(c, err)
		}
		log.WithError(err).WithField("rows", rows).Error("Audit log export aborted mid-stream")
		return nil
	}

	log.WithField("rows", rows).Debug("Audit log export finished")
	return nil
}

func (s *auditServer) VerifyAuditChain(c echo.Context) error {
	tenantID := c.QueryParam("tenant_id")

	report, err := s.auditService.VerifyTenant(c.Request().Context(), tenantID)
	if err != nil {
		log.WithError(err).WithField("tenant_id", tenantID).Error("Failed to verify audit chain")
		return auditErrorResponse(c, err)
	}

	return c.JSON(http.StatusOK, report)
}
