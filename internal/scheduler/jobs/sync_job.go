package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"accessgate/internal/cache"
)

// SyncJob moves cold rows from the hot store into the reporting store.
type SyncJob struct {
	cache  *cache.Cache
	logger *zap.Logger
}

func NewSyncJob(c *cache.Cache, logger *zap.Logger) *SyncJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncJob{cache: c, logger: logger}
}

func (j *SyncJob) Archive() {
	if j == nil || j.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := j.cache.Sync(ctx); err != nil {
		j.logger.Error("archive sync failed", zap.Error(err))
	}
}
