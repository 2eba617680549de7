package repositories

import (
	"rdm-server/db"
	"rdm-server/entities"

	"github.com/pkg/errors"
)

type commandPgRepository struct {
	db db.Database
}

func NewCommandPgRepository(database db.Database) CommandRepository {
	return &commandPgRepository{db: database}
}

func (r *commandPgRepository) Create(cmd *entities.Command) error {
	return errors.Wrap(r.db.GetDB().Create(cmd).Error, "create command")
}

func (r *commandPgRepository) GetByID(id string) (*entities.Command, error) {
	var cmd entities.Command
	if err := r.db.GetDB().Where("id = ?", id).First(&cmd).Error; err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (r *commandPgRepository) GetByDeviceID(deviceID string, limit int) ([]entities.Command, error) {
	if limit <= 0 {
		limit = 50
	}
	var cmds []entities.Command
	err := r.db.GetDB().Where("device_id = ?", deviceID).Order("created_at DESC").Limit(limit).Find(&cmds).Error
	return cmds, err
}

func (r *commandPgRepository) Update(cmd *entities.Command) error {
	err := r.db.GetDB().Model(&entities.Command{}).Where("id = ?", cmd.ID).Updates(map[string]interface{}{
		"status":       cmd.Status,
		"output":       cmd.Output,
		"error":        cmd.Error,
		"completed_at": cmd.CompletedAt,
	}).Error
	return errors.Wrap(err, "update command")
}
