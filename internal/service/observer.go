package service

import (
	"context"
	"reflect"

	"audit-service/internal/domain"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
)

// Enqueuer accepts audit events for background persistence.
type Enqueuer interface {
	Enqueue(event domain.AuditEvent) error
}

// Observer turns entity mutations into audit events. Its hooks never fail and never
// block: anything that goes wrong is logged and the mutation proceeds.
type Observer struct {
	sink Enqueuer
}

func NewObserver(sink Enqueuer) *Observer {
	return &Observer{sink: sink}
}

func (o *Observer) OnCreate(ctx context.Context, entity domain.Auditable) {
	o.observe(ctx, domain.ActionCreate, entity, func() (map[string]any, map[string]any) {
		return nil, entity.AuditState()
	})
}

// OnUpdate records only the fields that differ between before and after. An update
// that changes nothing produces no event.
func (o *Observer) OnUpdate(ctx context.Context, before, after domain.Auditable) {
	if isNil(before) {
		o.OnCreate(ctx, after)
		return
	}
	o.observe(ctx, domain.ActionUpdate, after, func() (map[string]any, map[string]any) {
		return ChangedFields(before.AuditState(), after.AuditState())
	})
}

func (o *Observer) OnDelete(ctx context.Context, entity domain.Auditable) {
	o.observe(ctx, domain.ActionDelete, entity, func() (map[string]any, map[string]any) {
		return entity.AuditState(), nil
	})
}

func (o *Observer) observe(ctx context.Context, action string, entity domain.Auditable, diff func() (map[string]any, map[string]any)) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("action", action).Errorf("Recovered while capturing audit event: %v", r)
		}
	}()

	if o == nil || o.sink == nil || isNil(entity) {
		return
	}

	resourceType := entity.AuditResourceType()
	if resourceType == domain.AuditLogTable || resourceType == domain.AuditArchiveTable {
		return
	}

	oldValue, newValue := diff()
	if action == domain.ActionUpdate && len(oldValue) == 0 && len(newValue) == 0 {
		return
	}

	event := domain.AuditEvent{
		EventType:    domain.EventTypeEntityChange,
		Level:        domain.LevelInfo,
		Category:     domain.CategoryAudit,
		ResourceType: resourceType,
		ResourceID:   entity.AuditResourceID(),
		Action:       action,
		Outcome:      domain.OutcomeSuccess,
		OldValue:     oldValue,
		NewValue:     newValue,
	}
	if actor, ok := domain.ActorFromContext(ctx); ok {
		event = event.WithActor(actor)
	}
	if event.TenantID == "" {
		event.TenantID = entity.AuditTenantID()
	}

	// The dispatcher logs drops itself.
	_ = o.sink.Enqueue(event)
}

// ChangedFields returns the previous and current values of every key whose value differs.
func ChangedFields(before, after map[string]any) (map[string]any, map[string]any) {
	oldValue := map[string]any{}
	newValue := map[string]any{}

	for k, prev := range before {
		cur, ok := after[k]
		if !ok || !cmp.Equal(prev, cur) {
			oldValue[k] = prev
			newValue[k] = cur
		}
	}
	for k, cur := range after {
		if _, ok := before[k]; !ok {
			oldValue[k] = nil
			newValue[k] = cur
		}
	}

	if len(newValue) == 0 {
		return nil, nil
	}
	return oldValue, newValue
}

func isNil(entity domain.Auditable) bool {
	if entity == nil {
		return true
	}
	v := reflect.ValueOf(entity)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
