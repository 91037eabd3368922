package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"accessgate/internal/model"
	"accessgate/internal/repository"
)

// ReportRepository writes archived rows into the reporting store, which
// lives behind its own pool. Rows are append-only; duplicates from a
// retried Sync pass are tolerated by ON CONFLICT DO NOTHING on keyed
// tables and by CopyFrom into the unkeyed usage fan-in.
type ReportRepository struct {
	pool *pgxpool.Pool
}

func NewReportRepository(pool *pgxpool.Pool) *ReportRepository {
	return &ReportRepository{pool: pool}
}

var _ repository.ReportRepository = (*ReportRepository)(nil)

func (r *ReportRepository) CopySessions(ctx context.Context, sessions []*model.Session) error {
	if len(sessions) == 0 {
		return nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, s := range sessions {
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO report_sessions (
				id, access_id, device_id, server_id, client_ip,
				suppressed_by, suppressed_to, created_at, last_used_at, end_time
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			s.ID,
			s.AccessID,
			s.DeviceID,
			s.ServerID,
			s.ClientIP,
			s.SuppressedBy,
			s.SuppressedTo,
			s.CreatedAt,
			s.LastUsedAt,
			s.EndTime,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *ReportRepository) CopyUsages(ctx context.Context, usages []*model.AccessUsage) error {
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
		pgx.Identifier{"report_access_usages"},
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

func (r *ReportRepository) CopyServerStatuses(ctx context.Context, statuses []*model.ServerStatus) error {
	if len(statuses) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, []any{
			st.ServerID,
			st.SessionCount,
			st.TunnelSendSpeed,
			st.CPUUsage,
			st.FreeMemory,
			st.ConfigCode,
			st.CreatedAt,
		})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"report_server_statuses"},
		[]string{
			"server_id", "session_count", "tunnel_send_speed",
			"cpu_usage", "free_memory", "config_code", "created_at",
		},
		pgx.CopyFromRows(rows),
	)
	return err
}
