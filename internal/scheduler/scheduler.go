// Package scheduler wires the background jobs onto a cron runner. Every
// job is wrapped with panic recovery so one bad tick cannot take down the
// agent.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type CycleTask interface {
	RotateIfDue()
}

type SyncTask interface {
	Archive()
}

type ServerTask interface {
	CheckLost()
}

type Deps struct {
	CycleJob  CycleTask
	SyncJob   SyncTask
	ServerJob ServerTask
}

type runner struct {
	cron   *cron.Cron
	logger *zap.Logger
}

func NewScheduler(deps Deps, logger *zap.Logger) *cron.Cron {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := runner{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		logger: logger,
	}

	if deps.CycleJob != nil {
		r.register("cycle.rotate_if_due", "0 */5 * * * *", deps.CycleJob.RotateIfDue)
	}
	if deps.SyncJob != nil {
		r.register("sync.archive", "0 0 * * * *", deps.SyncJob.Archive)
	}
	if deps.ServerJob != nil {
		r.register("server.check_lost", "*/30 * * * * *", deps.ServerJob.CheckLost)
	}

	return r.cron
}

func (r runner) register(name, schedule string, fn func()) {
	_, err := r.cron.AddFunc(schedule, func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				r.logger.Error("scheduler job panic recovered",
					zap.String("job", name),
					zap.Any("panic", recovered),
				)
			}
		}()

		start := time.Now()
		fn()
		r.logger.Debug("scheduler job finished", zap.String("job", name), zap.Duration("cost", time.Since(start)))
	})
	if err != nil {
		r.logger.Error("register scheduler job failed",
			zap.String("job", name),
			zap.String("schedule", schedule),
			zap.Error(err),
		)
	}
}
