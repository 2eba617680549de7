package entities

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Command lifecycle. Transitions are one-directional:
// queued -> executing -> completed | failed.
const (
	CommandQueued    = "queued"
	CommandExecuting = "executing"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
)

type Command struct {
	ID          string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DeviceID    string `gorm:"index;type:varchar(36)" json:"device_id"`
	Command     string `gorm:"type:text" json:"command"`
	Sudo        bool   `json:"sudo"`
	Output      string `gorm:"type:text" json:"output,omitempty"`
	Error       string `gorm:"type:text" json:"error,omitempty"`
	Status      string `gorm:"type:varchar(32)" json:"status"`
	CreatedAt   string `gorm:"type:varchar(64)" json:"created_at"`
	CompletedAt string `gorm:"type:varchar(64)" json:"completed_at,omitempty"`
}

func (c *Command) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if c.Status == "" {
		c.Status = CommandQueued
	}
	return nil
}

// Terminal reports whether the command has finished, successfully or not.
func (c *Command) Terminal() bool {
	return c.Status == CommandCompleted || c.Status == CommandFailed
}
