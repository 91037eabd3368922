package model

import (
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	AccessID     uuid.UUID    `db:"access_id" json:"access_id"`
	DeviceID     uuid.UUID    `db:"device_id" json:"device_id"`
	ServerID     uuid.UUID    `db:"server_id" json:"server_id"`
	SessionKey   []byte       `db:"session_key" json:"-"`
	ClientIP     string       `db:"client_ip" json:"client_ip"`
	SuppressedBy SuppressType `db:"suppressed_by" json:"suppressed_by"`
	SuppressedTo SuppressType `db:"suppressed_to" json:"suppressed_to"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	LastUsedAt   time.Time    `db:"last_used_at" json:"last_used_at"`
	EndTime      *time.Time   `db:"end_time" json:"end_time,omitempty"`
}

func (s *Session) IsOpen() bool {
	return s.EndTime == nil
}

type Device struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ProjectID     uuid.UUID  `db:"project_id" json:"project_id"`
	ClientID      string     `db:"client_id" json:"client_id"`
	UserAgent     string     `db:"user_agent" json:"user_agent"`
	ClientVersion string     `db:"client_version" json:"client_version"`
	LockedTime    *time.Time `db:"locked_time" json:"locked_time,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt    time.Time  `db:"last_used_at" json:"last_used_at"`
}
