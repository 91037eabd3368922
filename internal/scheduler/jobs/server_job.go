package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"accessgate/internal/service"
)

// ServerJob demotes gateway servers that stopped reporting status.
type ServerJob struct {
	servers *service.ServerService
	logger  *zap.Logger
}

func NewServerJob(servers *service.ServerService, logger *zap.Logger) *ServerJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServerJob{servers: servers, logger: logger}
}

func (j *ServerJob) CheckLost() {
	if j == nil || j.servers == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := j.servers.MarkLostServers(ctx); err != nil {
		j.logger.Error("lost server check failed", zap.Error(err))
	}
}
