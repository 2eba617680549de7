package entities

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LogEntry is a log line forwarded by an agent over its session.
type LogEntry struct {
	ID        string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DeviceID  string `gorm:"index;type:varchar(36)" json:"device_id"`
	Level     string `gorm:"type:varchar(16)" json:"level"`
	Message   string `gorm:"type:text" json:"message"`
	Data      string `gorm:"type:text" json:"data,omitempty"`
	Timestamp string `gorm:"type:varchar(64)" json:"timestamp"`
}

func (l *LogEntry) BeforeCreate(tx *gorm.DB) (err error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Timestamp == "" {
		l.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return nil
}
