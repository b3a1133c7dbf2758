package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/queue"
)

// Publisher enqueues jobs.
type Publisher interface {
	Publish(ctx context.Context, queue, msgID string, v interface{}) error
}

// Schedule enqueues a reconcile job for every tenant each interval until ctx
// is done. The message id deduplicates overlapping schedulers within one
// interval.
func Schedule(ctx context.Context, pub Publisher, tenants []string, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 || len(tenants) == 0 {
		return
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			slot := now.Truncate(interval).Unix()
			for _, id := range tenants {
				msgID := "reconcile-" + id + "-" + time.Unix(slot, 0).UTC().Format("20060102T150405")
				if err := pub.Publish(ctx, queue.Reconcile, msgID, Job{TenantID: id}); err != nil {
					logger.Warn(ctx, "scheduling reconcile failed", zap.String("tenant_id", id), zap.Error(err))
				}
			}
		}
	}
}
