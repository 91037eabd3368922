package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"accessgate/internal/service"
)

// CycleJob rotates the billing cycle when the calendar month changes.
type CycleJob struct {
	cycles *service.CycleService
	logger *zap.Logger
}

func NewCycleJob(cycles *service.CycleService, logger *zap.Logger) *CycleJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleJob{cycles: cycles, logger: logger}
}

func (j *CycleJob) RotateIfDue() {
	if j == nil || j.cycles == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := j.cycles.EnsureCurrent(ctx); err != nil {
		j.logger.Error("cycle rotation failed", zap.Error(err))
	}
}
