package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"accessgate/internal/model"
	"accessgate/internal/repository"
)

type UsageRepository struct {
	pool *pgxpool.Pool
}

func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

var _ repository.UsageRepository = (*UsageRepository)(nil)

func (r *UsageRepository) InsertBatch(ctx context.Context, usages []*model.AccessUsage) error {
	if len(usages) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(usages))
	for _, u := range usages {
		rows = append(rows, []any{
			u.AccessID,
			u.SessionID,
			u.TokenID,
			u.ServerID,
			u.SentTraffic,
			u.ReceivedTraffic,
			u.TotalSentTraffic,
			u.TotalReceivedTraffic,
			u.CycleSentTraffic,
			u.CycleReceivedTraffic,
			u.CreatedAt,
		})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"access_usages"},
		[]string{
			"access_id", "session_id", "token_id", "server_id",
			"sent_traffic", "received_traffic",
			"total_sent_traffic", "total_received_traffic",
			"cycle_sent_traffic", "cycle_received_traffic",
			"created_at",
		},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (r *UsageRepository) ListAll(ctx context.Context) ([]*model.AccessUsage, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT id, access_id, session_id, token_id, server_id,
		        sent_traffic, received_traffic,
		        total_sent_traffic, total_received_traffic,
		        cycle_sent_traffic, cycle_received_traffic,
		        created_at
		   FROM access_usages
		  ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*model.AccessUsage, 0, 256)
	for rows.Next() {
		item := &model.AccessUsage{}
		if err := rows.Scan(
			&item.ID,
			&item.AccessID,
			&item.SessionID,
			&item.TokenID,
			&item.ServerID,
			&item.SentTraffic,
			&item.ReceivedTraffic,
			&item.TotalSentTraffic,
			&item.TotalReceivedTraffic,
			&item.CycleSentTraffic,
			&item.CycleReceivedTraffic,
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

func (r *UsageRepository) Clear(ctx context.Context, upToID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM access_usages WHERE id <= $1`, upToID)
	return err
}
