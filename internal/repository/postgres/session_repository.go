package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"accessgate/internal/model"
	"accessgate/internal/repository"
)

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

var _ repository.SessionRepository = (*SessionRepository)(nil)

const sessionColumns = `id, access_id, device_id, server_id, session_key, client_ip,
		suppressed_by, suppressed_to, created_at, last_used_at, end_time`

func (r *SessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	return scanSession(r.pool.QueryRow(
		ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`,
		id,
	))
}

func (r *SessionRepository) ListOpenByAccess(ctx context.Context, accessID uuid.UUID) ([]*model.Session, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+sessionColumns+`
		   FROM sessions
		  WHERE access_id = $1
		    AND end_time IS NULL
		  ORDER BY created_at ASC`,
		accessID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

func (r *SessionRepository) Save(ctx context.Context, session *model.Session) error {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO sessions (
			id, access_id, device_id, server_id, session_key, client_ip,
			suppressed_by, suppressed_to, created_at, last_used_at, end_time
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			suppressed_by = EXCLUDED.suppressed_by,
			suppressed_to = EXCLUDED.suppressed_to,
			last_used_at = EXCLUDED.last_used_at,
			end_time = EXCLUDED.end_time`,
		session.ID,
		session.AccessID,
		session.DeviceID,
		session.ServerID,
		session.SessionKey,
		session.ClientIP,
		session.SuppressedBy,
		session.SuppressedTo,
		session.CreatedAt,
		session.LastUsedAt,
		session.EndTime,
	)
	return err
}

func (r *SessionRepository) ListEndedBefore(ctx context.Context, endedBefore time.Time) ([]*model.Session, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+sessionColumns+`
		   FROM sessions
		  WHERE end_time IS NOT NULL
		    AND end_time < $1
		  ORDER BY end_time ASC`,
		endedBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

func (r *SessionRepository) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = ANY($1)`, ids)
	return err
}

func collectSessions(rows pgx.Rows) ([]*model.Session, error) {
	items := make([]*model.Session, 0, 16)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanSession(src rowScanner) (*model.Session, error) {
	item := &model.Session{}
	if err := src.Scan(
		&item.ID,
		&item.AccessID,
		&item.DeviceID,
		&item.ServerID,
		&item.SessionKey,
		&item.ClientIP,
		&item.SuppressedBy,
		&item.SuppressedTo,
		&item.CreatedAt,
		&item.LastUsedAt,
		&item.EndTime,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}
