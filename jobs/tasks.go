package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingOverdueScan marks issued invoices past their due date as overdue.
	TaskBillingOverdueScan = "billing:overdue_scan"
	// TaskIdempotencyCleanup purges expired payment idempotency keys.
	TaskIdempotencyCleanup = "billing:idempotency_cleanup"
)

const asOfLayout = "2006-01-02"

// OverdueScanPayload configures an overdue scan. An empty AsOf means today.
type OverdueScanPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// NewOverdueScanTask constructs an Asynq task. A zero asOf scans against the
// date the task runs.
func NewOverdueScanTask(asOf time.Time) (*asynq.Task, error) {
	payload := OverdueScanPayload{}
	if !asOf.IsZero() {
		payload.AsOf = asOf.UTC().Format(asOfLayout)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingOverdueScan, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

func (p OverdueScanPayload) date(now time.Time) (time.Time, error) {
	if p.AsOf == "" {
		return now, nil
	}
	asOf, err := time.Parse(asOfLayout, p.AsOf)
	if err != nil {
		return time.Time{}, fmt.Errorf("overdue scan: as_of %q: %w", p.AsOf, err)
	}
	return asOf, nil
}

// IdempotencyCleanupPayload configures the retention of idempotency keys.
// A zero retention falls back to the job default.
type IdempotencyCleanupPayload struct {
	RetentionSeconds int64 `json:"retention_seconds,omitempty"`
}

// NewIdempotencyCleanupTask constructs an Asynq task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionSeconds: int64(retention / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
