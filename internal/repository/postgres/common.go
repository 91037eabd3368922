package postgres

import (
	"encoding/json"

	"github.com/jackc/pgx/v5/pgconn"

	"accessgate/internal/model"
	"accessgate/internal/repository"
)

var ErrNotFound = repository.ErrNotFound

type rowScanner interface {
	Scan(dest ...any) error
}

func ensureAffected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeAccessPoints(points []model.AccessPoint) ([]byte, error) {
	if points == nil {
		points = []model.AccessPoint{}
	}
	return json.Marshal(points)
}

func decodeAccessPoints(raw []byte) ([]model.AccessPoint, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var out []model.AccessPoint
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
