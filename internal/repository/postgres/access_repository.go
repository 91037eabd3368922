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

type AccessRepository struct {
	pool *pgxpool.Pool
}

func NewAccessRepository(pool *pgxpool.Pool) *AccessRepository {
	return &AccessRepository{pool: pool}
}

var _ repository.AccessRepository = (*AccessRepository)(nil)

const accessColumns = `id, token_id, device_id, total_sent_traffic, total_received_traffic,
		cycle_sent_traffic, cycle_received_traffic, expiration_time, created_at, last_used_at`

func (r *AccessRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Access, error) {
	return scanAccess(r.pool.QueryRow(
		ctx,
		`SELECT `+accessColumns+` FROM accesses WHERE id = $1`,
		id,
	))
}

func (r *AccessRepository) FindByTokenAndDevice(ctx context.Context, tokenID uuid.UUID, deviceID *uuid.UUID) (*model.Access, error) {
	if deviceID == nil {
		return scanAccess(r.pool.QueryRow(
			ctx,
			`SELECT `+accessColumns+` FROM accesses WHERE token_id = $1 AND device_id IS NULL`,
			tokenID,
		))
	}

	return scanAccess(r.pool.QueryRow(
		ctx,
		`SELECT `+accessColumns+` FROM accesses WHERE token_id = $1 AND device_id = $2`,
		tokenID,
		*deviceID,
	))
}

func (r *AccessRepository) Save(ctx context.Context, access *model.Access) error {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO accesses (
			id, token_id, device_id, total_sent_traffic, total_received_traffic,
			cycle_sent_traffic, cycle_received_traffic, expiration_time, created_at, last_used_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			total_sent_traffic = EXCLUDED.total_sent_traffic,
			total_received_traffic = EXCLUDED.total_received_traffic,
			cycle_sent_traffic = EXCLUDED.cycle_sent_traffic,
			cycle_received_traffic = EXCLUDED.cycle_received_traffic,
			expiration_time = EXCLUDED.expiration_time,
			last_used_at = EXCLUDED.last_used_at`,
		access.ID,
		access.TokenID,
		access.DeviceID,
		access.TotalSentTraffic,
		access.TotalReceivedTraffic,
		access.CycleSentTraffic,
		access.CycleReceivedTraffic,
		access.ExpirationTime,
		access.CreatedAt,
		access.LastUsedAt,
	)
	return err
}

func (r *AccessRepository) DeleteByToken(ctx context.Context, tokenID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM accesses WHERE token_id = $1`, tokenID)
	return err
}

func (r *AccessRepository) ResetCycleCounters(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE accesses
		    SET cycle_sent_traffic = 0,
		        cycle_received_traffic = 0
		  WHERE cycle_sent_traffic <> 0
		     OR cycle_received_traffic <> 0`,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanAccess(src rowScanner) (*model.Access, error) {
	item := &model.Access{}
	if err := src.Scan(
		&item.ID,
		&item.TokenID,
		&item.DeviceID,
		&item.TotalSentTraffic,
		&item.TotalReceivedTraffic,
		&item.CycleSentTraffic,
		&item.CycleReceivedTraffic,
		&item.ExpirationTime,
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
