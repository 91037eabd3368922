package model

import (
	"time"

	"github.com/google/uuid"
)

type AccessToken struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ProjectID      uuid.UUID  `db:"project_id" json:"project_id"`
	FarmID         uuid.UUID  `db:"farm_id" json:"farm_id"`
	Name           string     `db:"name" json:"name"`
	IsPublic       bool       `db:"is_public" json:"is_public"`
	IsEnabled      bool       `db:"is_enabled" json:"is_enabled"`
	MaxTraffic     int64      `db:"max_traffic" json:"max_traffic"`
	MaxDevice      int        `db:"max_device" json:"max_device"`
	Lifetime       int        `db:"lifetime" json:"lifetime"`
	ExpirationTime *time.Time `db:"expiration_time" json:"expiration_time,omitempty"`
	FirstUsedTime  *time.Time `db:"first_used_time" json:"first_used_time,omitempty"`
	LastUsedTime   *time.Time `db:"last_used_time" json:"last_used_time,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}
