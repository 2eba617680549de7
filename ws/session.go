package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"rdm-server/entities"
	"rdm-server/protocol"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Session states. Transitions only move forward:
// Connecting -> Authenticating -> Active -> Closing -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var errSessionClosed = errors.New("session closed")

// Session is the live connection state for one agent. It owns the read
// loop, a writer draining the outbound queue, and the heartbeat liveness
// timer. Sessions are created by the Manager and never persisted.
type Session struct {
	mgr       *Manager
	transport Transport
	timeout   time.Duration

	state atomic.Int32

	// deviceID is bound by the first active-phase message that carries
	// one, and never changes afterwards.
	deviceID atomic.Value

	outbound chan protocol.Message
	beat     chan struct{}
	done     chan struct{}

	// replaced marks a session torn down because a newer connection for
	// the same device took over; its close path must not touch device or
	// command state.
	replaced atomic.Bool

	closeOnce sync.Once

	statsMu sync.Mutex
	stats   *entities.DeviceStats
}

func newSession(mgr *Manager, transport Transport, timeout time.Duration) *Session {
	s := &Session{
		mgr:       mgr,
		transport: transport,
		timeout:   timeout,
		outbound:  make(chan protocol.Message, 16),
		beat:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		log.Debug().Str("device_id", s.DeviceID()).Stringer("from", prev).Stringer("to", next).Msg("session state change")
	}
}

// DeviceID returns the bound device id, or "" before binding.
func (s *Session) DeviceID() string {
	if v, ok := s.deviceID.Load().(string); ok {
		return v
	}
	return ""
}

// run drives the session to completion. It returns once the session is
// closed, whatever the reason.
func (s *Session) run() {
	defer s.close()

	if !s.authenticate() {
		return
	}

	s.setState(StateActive)
	go s.writeLoop()
	go s.liveness()

	for {
		payload, err := s.transport.ReadMessage()
		if err != nil {
			log.Debug().Str("device_id", s.DeviceID()).Err(err).Msg("session read ended")
			return
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			// Malformed frame: fatal to this session only.
			log.Warn().Str("device_id", s.DeviceID()).Err(err).Msg("protocol error")
			s.sendError("protocol_error", err.Error())
			return
		}
		s.handle(msg)
	}
}

// authenticate runs the Connecting -> Authenticating -> Active handshake.
// The first frame must be auth; anything else is a protocol error.
func (s *Session) authenticate() bool {
	payload, err := s.transport.ReadMessage()
	if err != nil {
		return false
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		s.sendError("protocol_error", err.Error())
		return false
	}
	authMsg, ok := msg.(protocol.Auth)
	if !ok {
		log.Warn().Str("type", string(msg.MessageType())).Msg("session opened with non-auth message")
		s.sendError("protocol_error", "first message must be auth")
		return false
	}

	s.setState(StateAuthenticating)
	identity, err := s.mgr.authenticator.Verify(authMsg.Token)
	if err != nil {
		log.Warn().Err(err).Msg("session authentication failed")
		s.sendError("auth_failed", "invalid or expired token")
		return false
	}
	log.Info().Str("identity", identity).Msg("session authenticated")
	return true
}

// handle dispatches one inbound active-phase message by tag. Messages for
// a single device are processed here in arrival order.
func (s *Session) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.DeviceInfo:
		s.bind(m.DeviceID)
		s.handleDeviceInfo(m)
	case protocol.Heartbeat:
		s.bind(m.DeviceID)
		s.handleHeartbeat(m)
	case protocol.Log:
		s.handleLog(m)
	case protocol.CommandResult:
		s.handleCommandResult(m)
	case protocol.Auth:
		// Re-auth on a live session is pointless but harmless.
		log.Debug().Str("device_id", s.DeviceID()).Msg("ignoring auth on active session")
	default:
		log.Warn().Str("device_id", s.DeviceID()).Str("type", string(msg.MessageType())).Msg("unexpected inbound message")
	}
}

func (s *Session) handleDeviceInfo(m protocol.DeviceInfo) {
	rawInfo, err := json.Marshal(m.Info)
	if err != nil {
		rawInfo = []byte("{}")
	}
	device := &entities.Device{
		ID:           m.DeviceID,
		Name:         stringField(m.Info, "name"),
		Model:        stringField(m.Info, "model"),
		OSVersion:    stringField(m.Info, "os_version"),
		APILevel:     intField(m.Info, "api_level"),
		Architecture: stringField(m.Info, "architecture"),
		DeviceInfo:   string(rawInfo),
	}
	if existing, ok := s.mgr.registry.Get(m.DeviceID); ok {
		device.UserData = existing.UserData
	}
	if err := s.mgr.registry.Upsert(device); err != nil {
		log.Error().Str("device_id", m.DeviceID).Err(err).Msg("device upsert failed")
		return
	}
	s.captureTelemetry(m)
}

// captureTelemetry lifts utilization fields out of the info blob when the
// agent reports them. This is the real telemetry source; the monitor's
// placeholder only covers devices that never reported.
func (s *Session) captureTelemetry(m protocol.DeviceInfo) {
	cpu, okCPU := floatField(m.Info, "cpu_usage")
	mem, okMem := floatField(m.Info, "memory_usage")
	if !okCPU && !okMem {
		return
	}
	storage, _ := floatField(m.Info, "storage_usage")
	battery, _ := floatField(m.Info, "battery_level")
	s.statsMu.Lock()
	s.stats = &entities.DeviceStats{
		DeviceID:     m.DeviceID,
		CPUUsage:     cpu,
		MemoryUsage:  mem,
		StorageUsage: storage,
		BatteryLevel: battery,
		LastUpdate:   time.Now(),
	}
	s.statsMu.Unlock()
}

// Telemetry returns the latest sample the agent reported, if any.
func (s *Session) Telemetry() (entities.DeviceStats, bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.stats == nil {
		return entities.DeviceStats{}, false
	}
	return *s.stats, true
}

func (s *Session) handleHeartbeat(m protocol.Heartbeat) {
	if err := s.mgr.registry.Heartbeat(m.DeviceID); err != nil {
		log.Error().Str("device_id", m.DeviceID).Err(err).Msg("heartbeat persist failed")
	}
	select {
	case s.beat <- struct{}{}:
	default:
	}
}

func (s *Session) handleLog(m protocol.Log) {
	entry := &entities.LogEntry{
		DeviceID: m.DeviceID,
		Level:    m.Level,
		Message:  m.Message,
	}
	if m.Data != nil {
		entry.Data = *m.Data
	}
	if err := s.mgr.logs.Create(entry); err != nil {
		log.Error().Str("device_id", m.DeviceID).Err(err).Msg("log persist failed")
	}
}

func (s *Session) handleCommandResult(m protocol.CommandResult) {
	var err error
	if m.Success {
		err = s.mgr.commands.Complete(m.ID, m.Output)
	} else {
		errText := m.Output
		if m.Error != nil {
			errText = *m.Error
		}
		err = s.mgr.commands.Fail(m.ID, errText)
	}
	if err != nil {
		// Not session-fatal: the state machine already logged why.
		log.Warn().Str("command_id", m.ID).Err(err).Msg("command result not applied")
	}
}

// bind ties the session to a device id on first use and registers it with
// the manager so dispatch can find it.
func (s *Session) bind(deviceID string) {
	if deviceID == "" || s.DeviceID() != "" {
		return
	}
	s.deviceID.Store(deviceID)
	s.mgr.register(deviceID, s)
}

// send queues a message for delivery. Fails once the session is closing.
func (s *Session) send(msg protocol.Message) error {
	select {
	case <-s.done:
		return errSessionClosed
	case s.outbound <- msg:
		return nil
	}
}

func (s *Session) sendError(code, message string) {
	payload, err := protocol.Encode(protocol.Error{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = s.transport.WriteMessage(payload)
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbound:
			payload, err := protocol.Encode(msg)
			if err != nil {
				log.Error().Err(err).Msg("outbound encode failed")
				continue
			}
			if err := s.transport.WriteMessage(payload); err != nil {
				log.Warn().Str("device_id", s.DeviceID()).Err(err).Msg("outbound write failed")
				s.close()
				return
			}
		}
	}
}

// liveness closes the session when the heartbeat window elapses without a
// beat. The device is degraded to offline and any in-flight command fails,
// so nothing stays executing against a dead session.
func (s *Session) liveness() {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.beat:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.timeout)
		case <-timer.C:
			deviceID := s.DeviceID()
			log.Warn().Str("device_id", deviceID).Dur("timeout", s.timeout).Msg("heartbeat timeout")
			if deviceID != "" {
				if err := s.mgr.commands.FailExecuting(deviceID, "heartbeat timeout"); err != nil {
					log.Warn().Str("device_id", deviceID).Err(err).Msg("failing in-flight command failed")
				}
			}
			s.close()
			return
		}
	}
}

// close tears the session down: Closing, release resources, then Closed.
// Idempotent. A session replaced by a newer connection leaves device and
// command state to its successor.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.done)
		_ = s.transport.Close()

		deviceID := s.DeviceID()
		if deviceID != "" && !s.replaced.Load() {
			s.mgr.unregister(deviceID, s)
			if err := s.mgr.registry.MarkOffline(deviceID); err != nil {
				log.Error().Str("device_id", deviceID).Err(err).Msg("mark offline failed")
			}
			if err := s.mgr.commands.FailExecuting(deviceID, "session closed before command completed"); err != nil {
				log.Warn().Str("device_id", deviceID).Err(err).Msg("failing in-flight command failed")
			}
		}
		s.setState(StateClosed)
		log.Info().Str("device_id", deviceID).Msg("session closed")
	})
}

func stringField(info map[string]any, key string) string {
	if v, ok := info[key].(string); ok {
		return v
	}
	return ""
}

func intField(info map[string]any, key string) int {
	if v, ok := info[key].(float64); ok {
		return int(v)
	}
	return 0
}

func floatField(info map[string]any, key string) (float64, bool) {
	v, ok := info[key].(float64)
	return v, ok
}
