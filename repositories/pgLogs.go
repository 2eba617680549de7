package repositories

import (
	"rdm-server/db"
	"rdm-server/entities"

	"github.com/pkg/errors"
)

type logPgRepository struct {
	db db.Database
}

func NewLogPgRepository(database db.Database) LogRepository {
	return &logPgRepository{db: database}
}

func (r *logPgRepository) Create(entry *entities.LogEntry) error {
	return errors.Wrap(r.db.GetDB().Create(entry).Error, "create log entry")
}

func (r *logPgRepository) List(deviceID string, limit, offset int) ([]entities.LogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	q := r.db.GetDB().Order("timestamp DESC").Limit(limit).Offset(offset)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var logs []entities.LogEntry
	err := q.Find(&logs).Error
	return logs, err
}
