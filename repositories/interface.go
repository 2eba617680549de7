// Package repositories is the durable ledger boundary: devices, commands,
// logs and operator accounts, each behind a small CRUD interface so the rest
// of the server never touches gorm directly.
package repositories

import "rdm-server/entities"

type DeviceRepository interface {
	// Save inserts or fully replaces the device row.
	Save(device *entities.Device) error
	GetByID(id string) (*entities.Device, error)
	GetAll() ([]entities.Device, error)
}

type CommandRepository interface {
	Create(cmd *entities.Command) error
	GetByID(id string) (*entities.Command, error)
	GetByDeviceID(deviceID string, limit int) ([]entities.Command, error)
	// Update persists status, output, error and completion time.
	Update(cmd *entities.Command) error
}

type LogRepository interface {
	Create(entry *entities.LogEntry) error
	// List filters by device when deviceID is non-empty and pages with
	// limit/offset.
	List(deviceID string, limit, offset int) ([]entities.LogEntry, error)
}

type UserRepository interface {
	Create(user *entities.User) error
	GetByUsername(username string) (*entities.User, error)
}
