package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"accessgate/internal/cache"
	"accessgate/internal/event"
	"accessgate/internal/metrics"
	"accessgate/internal/model"
	"accessgate/internal/repository"
)

var ErrServerNotFound = errors.New("server not found")

const (
	defaultStatusInterval = 2 * time.Minute
	// A server is lost after missing this many status intervals.
	lostAfterIntervals = 3
)

type ConfigureRequest struct {
	Version          string              `json:"version"`
	MachineName      string              `json:"machine_name"`
	LogicalCoreCount int                 `json:"logical_core_count"`
	AccessPoints     []model.AccessPoint `json:"access_points"`
}

type TrackingOptions struct {
	LogClientIP  bool `json:"log_client_ip"`
	LogLocalPort bool `json:"log_local_port"`
}

type ConfigureResponse struct {
	ConfigCode           uuid.UUID       `json:"config_code"`
	TcpEndPoints         []string        `json:"tcp_end_points"`
	UpdateStatusInterval time.Duration   `json:"update_status_interval"`
	TrackingOptions      TrackingOptions `json:"tracking_options"`
}

type StatusRequest struct {
	SessionCount    int       `json:"session_count"`
	TunnelSendSpeed int64     `json:"tunnel_send_speed"`
	CPUUsage        int       `json:"cpu_usage"`
	FreeMemory      int64     `json:"free_memory"`
	ConfigCode      uuid.UUID `json:"config_code"`
}

type StatusResponse struct {
	ConfigCode uuid.UUID `json:"config_code"`
}

// ServerService handles the gateway-server side of the control plane:
// configuration handshakes, periodic status reports and lost detection.
type ServerService struct {
	cache          *cache.Cache
	eventBus       *event.Bus
	logger         *zap.Logger
	statusInterval time.Duration
	tracking       TrackingOptions

	nowFn func() time.Time
}

func NewServerService(c *cache.Cache, eventBus *event.Bus, statusInterval time.Duration, tracking TrackingOptions, logger *zap.Logger) *ServerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if statusInterval <= 0 {
		statusInterval = defaultStatusInterval
	}

	return &ServerService{
		cache:          c,
		eventBus:       eventBus,
		logger:         logger,
		statusInterval: statusInterval,
		tracking:       tracking,
		nowFn:          func() time.Time { return time.Now().UTC() },
	}
}

// Configure records the server's reported shape and hands back a fresh
// ConfigCode. The server stays in the configuring state, invisible to
// the balancer, until a status report echoes the code back.
func (s *ServerService) Configure(ctx context.Context, serverID uuid.UUID, req ConfigureRequest) (*ConfigureResponse, error) {
	now := s.nowFn()
	code := uuid.New()

	server, err := s.cache.UpdateServer(ctx, serverID, func(srv *model.Server) {
		srv.Version = req.Version
		if req.MachineName != "" {
			srv.Name = req.MachineName
		}
		srv.LogicalCoreCount = req.LogicalCoreCount
		if len(req.AccessPoints) > 0 {
			srv.AccessPoints = req.AccessPoints
		}
		srv.State = model.ServerStateConfiguring
		srv.ConfigCode = code
		srv.ConfiguredAt = &now
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}

	endpoints := make([]string, 0, len(server.AccessPoints))
	for _, p := range server.AccessPoints {
		if p.IsListen {
			endpoints = append(endpoints, p.EndPoint())
		}
	}

	s.logger.Info("server configured",
		zap.String("server_id", serverID.String()),
		zap.String("config_code", code.String()),
		zap.String("version", req.Version))

	return &ConfigureResponse{
		ConfigCode:           code,
		TcpEndPoints:         endpoints,
		UpdateStatusInterval: s.statusInterval,
		TrackingOptions:      s.tracking,
	}, nil
}

// UpdateStatus ingests a periodic status report. A report carrying the
// current ConfigCode activates a configuring server; any report revives
// a lost one that has been configured before. The response always
// carries the current code so a stale server knows to reconfigure.
func (s *ServerService) UpdateStatus(ctx context.Context, serverID uuid.UUID, req StatusRequest) (*StatusResponse, error) {
	now := s.nowFn()

	server, err := s.cache.Server(ctx, serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}

	status := model.ServerStatus{
		ServerID:        serverID,
		SessionCount:    req.SessionCount,
		TunnelSendSpeed: req.TunnelSendSpeed,
		CPUUsage:        req.CPUUsage,
		FreeMemory:      req.FreeMemory,
		ConfigCode:      req.ConfigCode,
		CreatedAt:       now,
	}
	if err := s.cache.AppendServerStatus(ctx, status); err != nil {
		return nil, err
	}
	metrics.IncServerStatusReport()

	activate := false
	switch {
	case server.State == model.ServerStateConfiguring && req.ConfigCode == server.ConfigCode:
		activate = true
	case server.State == model.ServerStateLost && server.ConfiguredAt != nil:
		activate = true
	}
	if activate {
		server, err = s.cache.UpdateServer(ctx, serverID, func(srv *model.Server) {
			srv.State = model.ServerStateActive
		})
		if err != nil {
			return nil, err
		}
	}

	return &StatusResponse{ConfigCode: server.ConfigCode}, nil
}

// MarkLostServers demotes active servers that have been silent for a few
// status intervals. Run periodically by the scheduler.
func (s *ServerService) MarkLostServers(ctx context.Context) (int, error) {
	cutoff := s.nowFn().Add(-time.Duration(lostAfterIntervals) * s.statusInterval)

	ids, err := s.cache.MarkLostServers(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		s.logger.Warn("server lost", zap.String("server_id", id.String()))
		if s.eventBus != nil {
			s.eventBus.Publish(event.EventServerLost, event.ServerLostPayload{
				ServerID:  id.String(),
				Timestamp: s.nowFn(),
			})
		}
	}
	metrics.SetLostServers(len(ids))
	return len(ids), nil
}
