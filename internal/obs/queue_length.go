// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/config"
)

// pendingQueueKey mirrors internal/jobqueue/redis.go's pendingKey; kept as
// a local constant since jobqueue doesn't export it.
const pendingQueueKey = "batchmgr:jobqueue:pending"

// StartQueueLengthUpdater samples the JobQueue's pending-trigger depth and
// updates a gauge, the way the teacher's worker pool reports queue depth.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := rdb.LLen(ctx, pendingQueueKey).Result()
				if err != nil {
					log.Debug("queue length poll error", String("queue", pendingQueueKey), Err(err))
					continue
				}
				QueueLength.WithLabelValues(pendingQueueKey).Set(float64(n))
			}
		}
	}()
}
