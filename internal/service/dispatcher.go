package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"audit-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

// Recorder persists one audit event.
type Recorder interface {
	Record(ctx context.Context, event domain.AuditEvent) (*domain.AuditRecord, error)
}

// Dispatcher drains audit events in the background through a fixed pool of workers, each
// with its own bounded queue. Events of one tenant always land on the same worker, so a
// single process appends to a tenant chain one record at a time.
//
// Delivery is best effort: a full queue, a failed write or a panic drops the event with a
// warning and never reaches the caller.
type Dispatcher struct {
	recorder Recorder
	queues   []chan domain.AuditEvent
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(recorder Recorder, workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	d := &Dispatcher{
		recorder: recorder,
		queues:   make([]chan domain.AuditEvent, workers),
		timeout:  timeout,
	}
	for i := range d.queues {
		d.queues[i] = make(chan domain.AuditEvent, queueSize)
		d.wg.Add(1)
		go d.work(d.queues[i])
	}

	log.WithFields(log.Fields{
		"workers":    workers,
		"queue_size": queueSize,
	}).Info("Audit dispatcher started")

	return d
}

// Enqueue hands event to its tenant's worker without blocking.
func (d *Dispatcher) Enqueue(event domain.AuditEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		logDropped(event, domain.ErrDispatcherClosed)
		return domain.ErrDispatcherClosed
	}

	select {
	case d.queues[d.shard(event.TenantID)] <- event:
		return nil
	default:
		logDropped(event, domain.ErrQueueFull)
		return domain.ErrQueueFull
	}
}

func (d *Dispatcher) shard(tenantID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

func (d *Dispatcher) work(queue <-chan domain.AuditEvent) {
	defer d.wg.Done()
	for event := range queue {
		if err := d.write(event); err != nil {
			logDropped(event, err)
		}
	}
}

func (d *Dispatcher) write(event domain.AuditEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while writing audit record: %v", r)
		}
	}()

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	_, err = d.recorder.Record(ctx, event)
	return err
}

// Close stops accepting events and waits until queued ones are written or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Audit dispatcher drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit dispatcher did not drain: %w", ctx.Err())
	}
}

func logDropped(event domain.AuditEvent, err error) {
	log.WithError(err).WithFields(log.Fields{
		"tenant_id":     event.TenantID,
		"event_type":    event.EventType,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
	}).Warn("Dropped audit record")
}
