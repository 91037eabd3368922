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

type TokenRepository struct {
	pool *pgxpool.Pool
}

func NewTokenRepository(pool *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{pool: pool}
}

var _ repository.TokenRepository = (*TokenRepository)(nil)

func (r *TokenRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.AccessToken, error) {
	return scanToken(r.pool.QueryRow(
		ctx,
		`SELECT id, project_id, farm_id, name, is_public, is_enabled, max_traffic,
		        max_device, lifetime, expiration_time, first_used_time, last_used_time, created_at
		   FROM access_tokens
		  WHERE id = $1`,
		id,
	))
}

func (r *TokenRepository) Save(ctx context.Context, token *model.AccessToken) error {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO access_tokens (
			id, project_id, farm_id, name, is_public, is_enabled, max_traffic,
			max_device, lifetime, expiration_time, first_used_time, last_used_time, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_public = EXCLUDED.is_public,
			is_enabled = EXCLUDED.is_enabled,
			max_traffic = EXCLUDED.max_traffic,
			max_device = EXCLUDED.max_device,
			lifetime = EXCLUDED.lifetime,
			expiration_time = EXCLUDED.expiration_time,
			first_used_time = EXCLUDED.first_used_time,
			last_used_time = EXCLUDED.last_used_time`,
		token.ID,
		token.ProjectID,
		token.FarmID,
		token.Name,
		token.IsPublic,
		token.IsEnabled,
		token.MaxTraffic,
		token.MaxDevice,
		token.Lifetime,
		token.ExpirationTime,
		token.FirstUsedTime,
		token.LastUsedTime,
		token.CreatedAt,
	)
	return err
}

func (r *TokenRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM access_tokens WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func scanToken(src rowScanner) (*model.AccessToken, error) {
	item := &model.AccessToken{}
	if err := src.Scan(
		&item.ID,
		&item.ProjectID,
		&item.FarmID,
		&item.Name,
		&item.IsPublic,
		&item.IsEnabled,
		&item.MaxTraffic,
		&item.MaxDevice,
		&item.Lifetime,
		&item.ExpirationTime,
		&item.FirstUsedTime,
		&item.LastUsedTime,
		&item.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}
