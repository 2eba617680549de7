package entities

import (
	"time"
)

// Device status values as stored in the ledger and reported over the API.
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Device is a remote agent known to the server. The ID comes from the
// agent itself (first authenticated device_info message) and never changes.
type Device struct {
	ID           string `gorm:"primaryKey" json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	OSVersion    string `json:"os_version"`
	APILevel     int    `json:"api_level"`
	Architecture string `json:"architecture"`
	DeviceInfo   string `gorm:"type:text" json:"device_info"` // raw capability blob as reported
	UserData     string `gorm:"type:text" json:"user_data"`   // operator-supplied metadata
	Status       string `json:"status"`
	LastSeen     string `json:"last_seen"`
	CreatedAt    string `json:"created_at"`
}

// Touch refreshes LastSeen, stamping CreatedAt on first contact.
func (d *Device) Touch(now time.Time) {
	ts := now.UTC().Format(time.RFC3339)
	d.LastSeen = ts
	if d.CreatedAt == "" {
		d.CreatedAt = ts
	}
}
