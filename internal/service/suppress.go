package service

import (
	"github.com/google/uuid"

	"accessgate/internal/model"
)

// ChooseSuppressVictim picks the open session to evict when an access
// exceeds its device limit. open is ordered oldest first and excludes the
// session being admitted. A different device's oldest session is preferred
// (SuppressOther); when every open session belongs to the requester the
// requester's own oldest session is evicted (SuppressYourSelf).
func ChooseSuppressVictim(open []model.Session, requesterDeviceID uuid.UUID) (uuid.UUID, model.SuppressType) {
	if len(open) == 0 {
		return uuid.Nil, model.SuppressNone
	}

	for _, s := range open {
		if s.DeviceID != requesterDeviceID {
			return s.ID, model.SuppressOther
		}
	}

	return open[0].ID, model.SuppressYourSelf
}
