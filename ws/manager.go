// Package ws owns one logical session per connected agent: the
// authentication handshake, the receive/dispatch loop, heartbeat liveness,
// and outbound command delivery.
package ws

import (
	"sync"
	"time"

	"rdm-server/auth"
	"rdm-server/entities"
	"rdm-server/protocol"
	"rdm-server/registry"
	"rdm-server/repositories"
	"rdm-server/usecases"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrDeviceOffline is returned by Dispatch when no active session exists
// for the device. The command stays queued; the caller may retry.
var ErrDeviceOffline = errors.New("device offline")

// Manager tracks active sessions keyed by device id and routes operator
// commands to them.
type Manager struct {
	authenticator    auth.Authenticator
	registry         *registry.Registry
	commands         *usecases.CommandsUseCase
	logs             repositories.LogRepository
	heartbeatTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(authenticator auth.Authenticator, reg *registry.Registry, commands *usecases.CommandsUseCase, logs repositories.LogRepository, heartbeatTimeout time.Duration) *Manager {
	return &Manager{
		authenticator:    authenticator,
		registry:         reg,
		commands:         commands,
		logs:             logs,
		heartbeatTimeout: heartbeatTimeout,
		sessions:         make(map[string]*Session),
	}
}

// HandleConnection runs a session over the transport and blocks until it
// closes. Call from the connection's own goroutine.
func (m *Manager) HandleConnection(t Transport) {
	s := newSession(m, t, m.heartbeatTimeout)
	s.run()
}

// Dispatch delivers a queued command to the device's live session. The
// state transition and the send are one logical step: if the send fails,
// the command is rolled back to queued and stays retryable.
func (m *Manager) Dispatch(deviceID string, cmd *entities.Command) error {
	s := m.active(deviceID)
	if s == nil {
		return ErrDeviceOffline
	}

	if err := m.commands.BeginExecution(cmd.ID); err != nil {
		return err
	}
	err := s.send(protocol.Command{ID: cmd.ID, Command: cmd.Command, Sudo: cmd.Sudo})
	if err != nil {
		if rbErr := m.commands.RollbackExecution(cmd.ID); rbErr != nil {
			log.Error().Str("command_id", cmd.ID).Err(rbErr).Msg("rollback after failed send")
		}
		return ErrDeviceOffline
	}
	log.Info().Str("command_id", cmd.ID).Str("device_id", deviceID).Msg("command dispatched")
	return nil
}

// Telemetry returns the latest sample the device reported over its
// session.
func (m *Manager) Telemetry(deviceID string) (entities.DeviceStats, bool) {
	s := m.active(deviceID)
	if s == nil {
		return entities.DeviceStats{}, false
	}
	return s.Telemetry()
}

// IsConnected reports whether the device has an active session.
func (m *Manager) IsConnected(deviceID string) bool {
	return m.active(deviceID) != nil
}

// List returns the device ids with a live session.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll tears down every session. Used on server shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.close()
	}
}

func (m *Manager) active(deviceID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[deviceID]
	if !ok || s.State() != StateActive {
		return nil
	}
	return s
}

// register installs the session for its device, replacing any stale one. A
// replaced session must not mark the device offline on its way out.
func (m *Manager) register(deviceID string, s *Session) {
	m.mu.Lock()
	old := m.sessions[deviceID]
	m.sessions[deviceID] = s
	m.mu.Unlock()

	if old != nil && old != s {
		log.Info().Str("device_id", deviceID).Msg("replacing stale session")
		old.replaced.Store(true)
		old.close()
	}
}

// unregister removes the session only if it is still the current one.
func (m *Manager) unregister(deviceID string, s *Session) {
	m.mu.Lock()
	if m.sessions[deviceID] == s {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()
}
