package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-billing/internal/billing"
	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// OverdueDetector flags invoices whose due date has passed.
type OverdueDetector interface {
	DetectOverdue(ctx context.Context, asOf time.Time) ([]billing.Invoice, error)
}

// OverdueScanJob runs the overdue detection under a Redis lock so that only
// one replica scans at a time.
type OverdueScanJob struct {
	Detector OverdueDetector
	Locker   *cache.Locker
	LockTTL  time.Duration
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewOverdueScanJob constructs the job handler. A nil locker runs unguarded.
func NewOverdueScanJob(detector OverdueDetector, locker *cache.Locker, lockTTL time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanJob {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &OverdueScanJob{
		Detector: detector,
		Locker:   locker,
		LockTTL:  lockTTL,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the overdue scan.
func (j *OverdueScanJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Detector == nil {
		return errors.New("overdue scan: dependencies not configured")
	}
	var payload OverdueScanPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	asOf, err := payload.date(j.clock())
	if err != nil {
		j.log().Error("invalid overdue scan payload", slog.Any("error", err))
		return asynq.SkipRetry
	}

	if j.Locker != nil {
		lock, err := j.Locker.Acquire(ctx, shared.JobLockKey(TaskBillingOverdueScan), j.LockTTL)
		if errors.Is(err, cache.ErrLockHeld) {
			j.log().Info("overdue scan already running elsewhere")
			j.Metrics.Skipped(TaskBillingOverdueScan, "locked")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				j.log().Warn("release overdue scan lock", slog.Any("error", err))
			}
		}()
	}

	tracker := j.Metrics.Track(TaskBillingOverdueScan)
	invoices, err := j.Detector.DetectOverdue(ctx, asOf)
	if err != nil {
		j.log().Error("overdue scan failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Metrics.AddItems(TaskBillingOverdueScan, "invoices", int64(len(invoices)))
	j.log().Info("overdue scan completed",
		slog.String("as_of", asOf.Format(asOfLayout)),
		slog.Int("overdue", len(invoices)),
	)
	return tracker.End(nil)
}

func (j *OverdueScanJob) log() *slog.Logger {
	if j.Logger == nil {
		return slog.Default().With(slog.String("job", TaskBillingOverdueScan))
	}
	return j.Logger.With(slog.String("job", TaskBillingOverdueScan))
}
