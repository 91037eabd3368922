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

type ServerRepository struct {
	pool *pgxpool.Pool
}

func NewServerRepository(pool *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{pool: pool}
}

var _ repository.ServerRepository = (*ServerRepository)(nil)

const serverColumns = `id, farm_id, name, version, location, logical_core_count,
		state, config_code, access_points, configured_at, created_at`

func (r *ServerRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Server, error) {
	return scanServer(r.pool.QueryRow(
		ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = $1`,
		id,
	))
}

func (r *ServerRepository) ListByFarm(ctx context.Context, farmID uuid.UUID) ([]*model.Server, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+serverColumns+` FROM servers WHERE farm_id = $1 ORDER BY created_at ASC`,
		farmID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*model.Server, 0, 16)
	for rows.Next() {
		item, scanErr := scanServer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *ServerRepository) Save(ctx context.Context, server *model.Server) error {
	points, err := encodeAccessPoints(server.AccessPoints)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO servers (
			id, farm_id, name, version, location, logical_core_count,
			state, config_code, access_points, configured_at, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			location = EXCLUDED.location,
			logical_core_count = EXCLUDED.logical_core_count,
			state = EXCLUDED.state,
			config_code = EXCLUDED.config_code,
			access_points = EXCLUDED.access_points,
			configured_at = EXCLUDED.configured_at`,
		server.ID,
		server.FarmID,
		server.Name,
		server.Version,
		server.Location,
		server.LogicalCoreCount,
		server.State,
		server.ConfigCode,
		points,
		server.ConfiguredAt,
		server.CreatedAt,
	)
	return err
}

func (r *ServerRepository) InsertStatus(ctx context.Context, status *model.ServerStatus) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(
		ctx,
		`UPDATE server_statuses SET is_last = FALSE WHERE server_id = $1 AND is_last`,
		status.ServerID,
	); err != nil {
		return err
	}

	if err := tx.QueryRow(
		ctx,
		`INSERT INTO server_statuses (
			server_id, session_count, tunnel_send_speed, cpu_usage, free_memory,
			config_code, is_last, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		 RETURNING id`,
		status.ServerID,
		status.SessionCount,
		status.TunnelSendSpeed,
		status.CPUUsage,
		status.FreeMemory,
		status.ConfigCode,
		status.CreatedAt,
	).Scan(&status.ID); err != nil {
		return err
	}

	status.IsLast = true
	return tx.Commit(ctx)
}

func (r *ServerRepository) ListStatusHistory(ctx context.Context) ([]*model.ServerStatus, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT id, server_id, session_count, tunnel_send_speed, cpu_usage, free_memory,
		        config_code, is_last, created_at
		   FROM server_statuses
		  WHERE NOT is_last
		  ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*model.ServerStatus, 0, 64)
	for rows.Next() {
		item := &model.ServerStatus{}
		if err := rows.Scan(
			&item.ID,
			&item.ServerID,
			&item.SessionCount,
			&item.TunnelSendSpeed,
			&item.CPUUsage,
			&item.FreeMemory,
			&item.ConfigCode,
			&item.IsLast,
			&item.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *ServerRepository) MarkLost(ctx context.Context, silentSince time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(
		ctx,
		`UPDATE servers
		    SET state = $1
		  WHERE state = $2
		    AND NOT EXISTS (
		        SELECT 1 FROM server_statuses st
		         WHERE st.server_id = servers.id AND st.created_at > $3
		    )
		 RETURNING id`,
		model.ServerStateLost,
		model.ServerStateActive,
		silentSince,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, 4)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ServerRepository) DeleteStatuses(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.pool.Exec(ctx, `DELETE FROM server_statuses WHERE id = ANY($1)`, ids)
	return err
}

func scanServer(src rowScanner) (*model.Server, error) {
	item := &model.Server{}
	var points []byte
	if err := src.Scan(
		&item.ID,
		&item.FarmID,
		&item.Name,
		&item.Version,
		&item.Location,
		&item.LogicalCoreCount,
		&item.State,
		&item.ConfigCode,
		&points,
		&item.ConfiguredAt,
		&item.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	decoded, err := decodeAccessPoints(points)
	if err != nil {
		return nil, err
	}
	item.AccessPoints = decoded
	return item, nil
}
