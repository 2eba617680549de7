package entities

import "time"

// DeviceStats is one telemetry sample for a device. Samples replace each
// other per device; they are never persisted.
type DeviceStats struct {
	DeviceID     string    `json:"device_id"`
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	StorageUsage float64   `json:"storage_usage"`
	BatteryLevel float64   `json:"battery_level"`
	LastUpdate   time.Time `json:"last_update"`
}
