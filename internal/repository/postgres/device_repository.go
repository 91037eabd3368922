package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"accessgate/internal/model"
	"accessgate/internal/repository"
)

type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

var _ repository.DeviceRepository = (*DeviceRepository)(nil)

const deviceColumns = `id, project_id, client_id, user_agent, client_version, locked_time, created_at, last_used_at`

func (r *DeviceRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	return scanDevice(r.pool.QueryRow(
		ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`,
		id,
	))
}

func (r *DeviceRepository) FindByClientID(ctx context.Context, projectID uuid.UUID, clientID string) (*model.Device, error) {
	return scanDevice(r.pool.QueryRow(
		ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE project_id = $1 AND client_id = $2`,
		projectID,
		clientID,
	))
}

func (r *DeviceRepository) Save(ctx context.Context, device *model.Device) error {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO devices (
			id, project_id, client_id, user_agent, client_version, locked_time, created_at, last_used_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			user_agent = EXCLUDED.user_agent,
			client_version = EXCLUDED.client_version,
			locked_time = EXCLUDED.locked_time,
			last_used_at = EXCLUDED.last_used_at`,
		device.ID,
		device.ProjectID,
		device.ClientID,
		device.UserAgent,
		device.ClientVersion,
		device.LockedTime,
		device.CreatedAt,
		device.LastUsedAt,
	)
	return err
}

func scanDevice(src rowScanner) (*model.Device, error) {
	item := &model.Device{}
	if err := src.Scan(
		&item.ID,
		&item.ProjectID,
		&item.ClientID,
		&item.UserAgent,
		&item.ClientVersion,
		&item.LockedTime,
		&item.CreatedAt,
		&item.LastUsedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}
