package repositories

import (
	"rdm-server/db"
	"rdm-server/entities"

	"github.com/pkg/errors"
	"gorm.io/gorm/clause"
)

type devicePgRepository struct {
	db db.Database
}

func NewDevicePgRepository(database db.Database) DeviceRepository {
	return &devicePgRepository{db: database}
}

func (r *devicePgRepository) Save(device *entities.Device) error {
	// Upsert on the primary key: first contact inserts, later contacts
	// replace every column.
	err := r.db.GetDB().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(device).Error
	return errors.Wrap(err, "save device")
}

func (r *devicePgRepository) GetByID(id string) (*entities.Device, error) {
	var device entities.Device
	if err := r.db.GetDB().Where("id = ?", id).First(&device).Error; err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *devicePgRepository) GetAll() ([]entities.Device, error) {
	var devices []entities.Device
	err := r.db.GetDB().Order("last_seen DESC").Find(&devices).Error
	return devices, err
}
