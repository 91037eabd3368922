package model

import (
	"time"

	"github.com/google/uuid"
)

// AccessUsage is one accounting record produced by a usage report. Rows
// land in a write-only staging table in the hot store and are drained to
// the reporting store by Sync.
type AccessUsage struct {
	ID                   int64     `db:"id" json:"id"`
	AccessID             uuid.UUID `db:"access_id" json:"access_id"`
	SessionID            uuid.UUID `db:"session_id" json:"session_id"`
	TokenID              uuid.UUID `db:"token_id" json:"token_id"`
	ServerID             uuid.UUID `db:"server_id" json:"server_id"`
	SentTraffic          int64     `db:"sent_traffic" json:"sent_traffic"`
	ReceivedTraffic      int64     `db:"received_traffic" json:"received_traffic"`
	TotalSentTraffic     int64     `db:"total_sent_traffic" json:"total_sent_traffic"`
	TotalReceivedTraffic int64     `db:"total_received_traffic" json:"total_received_traffic"`
	CycleSentTraffic     int64     `db:"cycle_sent_traffic" json:"cycle_sent_traffic"`
	CycleReceivedTraffic int64     `db:"cycle_received_traffic" json:"cycle_received_traffic"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// UsageCycle marks one billing interval. The cycle identifier is the UTC
// calendar month, e.g. "2026-09".
type UsageCycle struct {
	ID          string    `db:"id" json:"id"`
	ActivatedAt time.Time `db:"activated_at" json:"activated_at"`
}

func CycleID(now time.Time) string {
	return now.UTC().Format("2006-01")
}
