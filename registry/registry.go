// Package registry keeps the in-memory table of known devices. Mutations
// write through to the durable ledger before becoming visible to readers;
// the table lock is never held across a ledger call.
package registry

import (
	"sync"
	"time"

	"rdm-server/entities"
	"rdm-server/repositories"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Registry struct {
	repo repositories.DeviceRepository

	mu      sync.RWMutex
	devices map[string]*entities.Device
	online  map[string]bool
}

func New(repo repositories.DeviceRepository) *Registry {
	return &Registry{
		repo:    repo,
		devices: make(map[string]*entities.Device),
		online:  make(map[string]bool),
	}
}

// Load pulls previously seen devices from the ledger. They all start
// offline; a live session has to bring them back.
func (r *Registry) Load() error {
	devices, err := r.repo.GetAll()
	if err != nil {
		return errors.Wrap(err, "load devices")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range devices {
		d := devices[i]
		d.Status = entities.DeviceOffline
		r.devices[d.ID] = &d
	}
	log.Info().Int("count", len(devices)).Msg("registry loaded from ledger")
	return nil
}

// Upsert inserts or replaces a device record and refreshes its last-seen
// time. The ledger write completes before the in-memory table is updated,
// so readers never observe state the ledger could lose.
func (r *Registry) Upsert(device *entities.Device) error {
	r.mu.RLock()
	if existing, ok := r.devices[device.ID]; ok {
		device.CreatedAt = existing.CreatedAt
	}
	r.mu.RUnlock()

	device.Touch(time.Now())
	device.Status = entities.DeviceOnline

	if err := r.repo.Save(device); err != nil {
		return err
	}

	stored := *device
	r.mu.Lock()
	r.devices[stored.ID] = &stored
	r.online[stored.ID] = true
	r.mu.Unlock()

	log.Debug().Str("device_id", device.ID).Msg("registry upsert")
	return nil
}

// Heartbeat refreshes last-seen without replacing the record. Unknown
// devices are ignored; a device_info message has to introduce them first.
func (r *Registry) Heartbeat(id string) error {
	r.mu.RLock()
	device, ok := r.devices[id]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	updated := *device
	r.mu.RUnlock()

	updated.Touch(time.Now())
	updated.Status = entities.DeviceOnline

	if err := r.repo.Save(&updated); err != nil {
		return err
	}

	r.mu.Lock()
	r.devices[id] = &updated
	r.online[id] = true
	r.mu.Unlock()
	return nil
}

// MarkOffline flips the device to offline. The record itself is kept.
func (r *Registry) MarkOffline(id string) error {
	r.mu.RLock()
	device, ok := r.devices[id]
	var updated entities.Device
	if ok {
		updated = *device
	}
	r.mu.RUnlock()

	if ok {
		updated.Status = entities.DeviceOffline
		if err := r.repo.Save(&updated); err != nil {
			return err
		}
	}

	r.mu.Lock()
	delete(r.online, id)
	if ok {
		r.devices[id] = &updated
	}
	r.mu.Unlock()

	log.Info().Str("device_id", id).Msg("device marked offline")
	return nil
}

func (r *Registry) Get(id string) (*entities.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	d := *device
	return &d, true
}

func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[id]
}

func (r *Registry) ListOnline() []entities.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entities.Device, 0, len(r.online))
	for id := range r.online {
		if device, ok := r.devices[id]; ok {
			out = append(out, *device)
		}
	}
	return out
}

func (r *Registry) ListAll() []entities.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entities.Device, 0, len(r.devices))
	for _, device := range r.devices {
		out = append(out, *device)
	}
	return out
}
