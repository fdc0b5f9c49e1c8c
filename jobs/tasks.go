package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries audit records produced by the API.
	QueueAudit = "audit"
	// TaskAuditAppend persists one audit record.
	TaskAuditAppend = "audit:append"
	// TaskLedgerIntegrity scans the ledger for broken invariants.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup prunes processed payment keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// NewAuditAppendTask wraps an audit record into an asynq task.
func NewAuditAppendTask(log shared.AuditLog) (*asynq.Task, error) {
	if err := log.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(log)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditAppend, data, asynq.Queue(QueueAudit), asynq.MaxRetry(10)), nil
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AuditDispatcher hands audit records to the worker instead of writing them inline.
type AuditDispatcher struct {
	client Enqueuer
}

// NewAuditDispatcher constructs the dispatcher.
func NewAuditDispatcher(client Enqueuer) *AuditDispatcher {
	return &AuditDispatcher{client: client}
}

// Record enqueues the log entry.
func (d *AuditDispatcher) Record(ctx context.Context, log shared.AuditLog) error {
	if d == nil || d.client == nil {
		return errors.New("audit dispatcher not initialised")
	}
	if log.At.IsZero() {
		log.At = time.Now().UTC()
	}
	task, err := NewAuditAppendTask(log)
	if err != nil {
		return err
	}
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue audit: %w", err)
	}
	return nil
}

// AuditSink is the synchronous writer behind the audit queue.
type AuditSink interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AuditAppendHandler persists queued audit records.
type AuditAppendHandler struct {
	sink AuditSink
}

// NewAuditAppendHandler constructs the handler.
func NewAuditAppendHandler(sink AuditSink) *AuditAppendHandler {
	return &AuditAppendHandler{sink: sink}
}

// Handle processes TaskAuditAppend tasks.
func (h *AuditAppendHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var log shared.AuditLog
	if err := json.Unmarshal(t.Payload(), &log); err != nil {
		return fmt.Errorf("decode audit payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := log.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return h.sink.Record(ctx, log)
}

// NewLedgerIntegrityTask builds the cron task for the integrity scan.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil, asynq.Queue(QueueDefault))
}

// CleanupPayload controls how long idempotency keys are retained.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds the cleanup cron task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(CleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
