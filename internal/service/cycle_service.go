package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"accessgate/internal/cache"
	"accessgate/internal/model"
	"accessgate/internal/repository"
)

// CycleService rotates billing cycles. When the calendar month changes
// it zeroes every access's cycle counters; total counters keep growing.
type CycleService struct {
	cache  *cache.Cache
	cycles repository.CycleRepository
	logger *zap.Logger

	nowFn func() time.Time
}

func NewCycleService(c *cache.Cache, cycles repository.CycleRepository, logger *zap.Logger) *CycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleService{
		cache:  c,
		cycles: cycles,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// EnsureCurrent compares the stored cycle against the calendar and
// rotates when they disagree. Safe to call repeatedly; rotation happens
// at most once per cycle.
func (s *CycleService) EnsureCurrent(ctx context.Context) (rotated bool, err error) {
	now := s.nowFn()
	want := model.CycleID(now)

	current, err := s.cycles.Current(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return false, err
		}
		// First run: seed the cycle without resetting anything.
		return false, s.cycles.SetCurrent(ctx, &model.UsageCycle{ID: want, ActivatedAt: now})
	}
	if current.ID == want {
		return false, nil
	}

	affected, err := s.cache.ResetCycleCounters(ctx)
	if err != nil {
		return false, err
	}
	if err := s.cycles.SetCurrent(ctx, &model.UsageCycle{ID: want, ActivatedAt: now}); err != nil {
		return false, err
	}

	s.logger.Info("billing cycle rotated",
		zap.String("from", current.ID),
		zap.String("to", want),
		zap.Int64("accesses_reset", affected))
	return true, nil
}
