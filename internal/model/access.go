package model

import (
	"time"

	"github.com/google/uuid"
)

// Access is the quota/billing unit bound to a token. A public token gets
// one Access per device; all devices of a private token share one Access
// (DeviceID is nil in that case).
type Access struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	TokenID              uuid.UUID  `db:"token_id" json:"token_id"`
	DeviceID             *uuid.UUID `db:"device_id" json:"device_id,omitempty"`
	TotalSentTraffic     int64      `db:"total_sent_traffic" json:"total_sent_traffic"`
	TotalReceivedTraffic int64      `db:"total_received_traffic" json:"total_received_traffic"`
	CycleSentTraffic     int64      `db:"cycle_sent_traffic" json:"cycle_sent_traffic"`
	CycleReceivedTraffic int64      `db:"cycle_received_traffic" json:"cycle_received_traffic"`
	ExpirationTime       *time.Time `db:"expiration_time" json:"expiration_time,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt           time.Time  `db:"last_used_at" json:"last_used_at"`
}

func (a *Access) TotalTraffic() int64 {
	return a.TotalSentTraffic + a.TotalReceivedTraffic
}

// UsageSnapshot is the counter view returned with every gateway response
// so the client can display remaining quota.
type UsageSnapshot struct {
	AccessID             uuid.UUID  `json:"access_id"`
	CycleSentTraffic     int64      `json:"cycle_sent_traffic"`
	CycleReceivedTraffic int64      `json:"cycle_received_traffic"`
	TotalSentTraffic     int64      `json:"total_sent_traffic"`
	TotalReceivedTraffic int64      `json:"total_received_traffic"`
	MaxTraffic           int64      `json:"max_traffic"`
	ExpirationTime       *time.Time `json:"expiration_time,omitempty"`
	ActiveSessionCount   int        `json:"active_session_count"`
}
