package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"accessgate/internal/model"
)

var ErrNotFound = errors.New("not found")

type TokenRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.AccessToken, error)
	Save(ctx context.Context, token *model.AccessToken) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type AccessRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Access, error)
	FindByTokenAndDevice(ctx context.Context, tokenID uuid.UUID, deviceID *uuid.UUID) (*model.Access, error)
	Save(ctx context.Context, access *model.Access) error
	DeleteByToken(ctx context.Context, tokenID uuid.UUID) error
	ResetCycleCounters(ctx context.Context) (int64, error)
}

type DeviceRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Device, error)
	FindByClientID(ctx context.Context, projectID uuid.UUID, clientID string) (*model.Device, error)
	Save(ctx context.Context, device *model.Device) error
}

type SessionRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Session, error)
	ListOpenByAccess(ctx context.Context, accessID uuid.UUID) ([]*model.Session, error)
	Save(ctx context.Context, session *model.Session) error
	ListEndedBefore(ctx context.Context, endedBefore time.Time) ([]*model.Session, error)
	Delete(ctx context.Context, ids []uuid.UUID) error
}

type ServerRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Server, error)
	ListByFarm(ctx context.Context, farmID uuid.UUID) ([]*model.Server, error)
	Save(ctx context.Context, server *model.Server) error
	// InsertStatus appends a status row flagged IsLast and clears the flag
	// on the server's previous rows.
	InsertStatus(ctx context.Context, status *model.ServerStatus) error
	ListStatusHistory(ctx context.Context) ([]*model.ServerStatus, error)
	DeleteStatuses(ctx context.Context, ids []int64) error
	// MarkLost flips servers with no status report since silentSince to the
	// lost state and returns the ids it changed.
	MarkLost(ctx context.Context, silentSince time.Time) ([]uuid.UUID, error)
}

// UsageRepository is the hot-store staging table for accounting records.
// It is write-only fan-in for the reporting store.
type UsageRepository interface {
	InsertBatch(ctx context.Context, usages []*model.AccessUsage) error
	ListAll(ctx context.Context) ([]*model.AccessUsage, error)
	Clear(ctx context.Context, upToID int64) error
}

type CycleRepository interface {
	Current(ctx context.Context) (*model.UsageCycle, error)
	SetCurrent(ctx context.Context, cycle *model.UsageCycle) error
}

// ReportRepository writes archived rows into the reporting store. Sync
// copies first and deletes from the hot store only after a copy succeeds.
type ReportRepository interface {
	CopySessions(ctx context.Context, sessions []*model.Session) error
	CopyUsages(ctx context.Context, usages []*model.AccessUsage) error
	CopyServerStatuses(ctx context.Context, statuses []*model.ServerStatus) error
}
