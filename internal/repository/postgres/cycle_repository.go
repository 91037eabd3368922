package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"accessgate/internal/model"
	"accessgate/internal/repository"
)

type CycleRepository struct {
	pool *pgxpool.Pool
}

func NewCycleRepository(pool *pgxpool.Pool) *CycleRepository {
	return &CycleRepository{pool: pool}
}

var _ repository.CycleRepository = (*CycleRepository)(nil)

func (r *CycleRepository) Current(ctx context.Context) (*model.UsageCycle, error) {
	item := &model.UsageCycle{}
	err := r.pool.QueryRow(
		ctx,
		`SELECT id, activated_at FROM usage_cycles ORDER BY activated_at DESC LIMIT 1`,
	).Scan(&item.ID, &item.ActivatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (r *CycleRepository) SetCurrent(ctx context.Context, cycle *model.UsageCycle) error {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO usage_cycles (id, activated_at)
		 VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET activated_at = EXCLUDED.activated_at`,
		cycle.ID,
		cycle.ActivatedAt,
	)
	return err
}
