package ws

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"rdm-server/auth"
	"rdm-server/entities"
	"rdm-server/protocol"
	"rdm-server/registry"
	"rdm-server/usecases"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

type fakeTransport struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case payload := <-t.in:
		return payload, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) WriteMessage(payload []byte) error {
	select {
	case t.out <- payload:
		return nil
	case <-t.closed:
		return errors.New("transport closed")
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) agentSend(tb testing.TB, msg protocol.Message) {
	tb.Helper()
	payload, err := protocol.Encode(msg)
	require.NoError(tb, err)
	select {
	case t.in <- payload:
	case <-time.After(time.Second):
		tb.Fatal("session not reading")
	}
}

func (t *fakeTransport) agentRecv(tb testing.TB) protocol.Message {
	tb.Helper()
	select {
	case payload := <-t.out:
		msg, err := protocol.Decode(payload)
		require.NoError(tb, err)
		return msg
	case <-time.After(time.Second):
		tb.Fatal("no frame from session")
		return nil
	}
}

type fakeAuthenticator struct{}

func (fakeAuthenticator) Verify(token string) (string, error) {
	if token == "good-token" {
		return "agent", nil
	}
	return "", auth.ErrInvalidToken
}

type memDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]entities.Device
}

func (r *memDeviceRepo) Save(d *entities.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = *d
	return nil
}

func (r *memDeviceRepo) GetByID(id string) (*entities.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &d, nil
}

func (r *memDeviceRepo) GetAll() ([]entities.Device, error) { return nil, nil }

type memCommandRepo struct {
	mu   sync.Mutex
	seq  int
	cmds map[string]entities.Command
}

func (r *memCommandRepo) Create(cmd *entities.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.ID == "" {
		r.seq++
		cmd.ID = fmt.Sprintf("cmd-%d", r.seq)
	}
	if cmd.Status == "" {
		cmd.Status = entities.CommandQueued
	}
	r.cmds[cmd.ID] = *cmd
	return nil
}

func (r *memCommandRepo) GetByID(id string) (*entities.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.cmds[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &cmd, nil
}

func (r *memCommandRepo) GetByDeviceID(string, int) ([]entities.Command, error) { return nil, nil }

func (r *memCommandRepo) Update(cmd *entities.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.cmds[cmd.ID]
	if !ok {
		return errors.New("not found")
	}
	stored.Status = cmd.Status
	stored.Output = cmd.Output
	stored.Error = cmd.Error
	stored.CompletedAt = cmd.CompletedAt
	r.cmds[cmd.ID] = stored
	return nil
}

type memLogRepo struct {
	mu      sync.Mutex
	entries []entities.LogEntry
}

func (r *memLogRepo) Create(entry *entities.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *memLogRepo) List(string, int, int) ([]entities.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entities.LogEntry(nil), r.entries...), nil
}

// ---- harness ----

type stack struct {
	mgr      *Manager
	reg      *registry.Registry
	commands *usecases.CommandsUseCase
	logs     *memLogRepo
}

func newStack(heartbeatTimeout time.Duration) *stack {
	deviceRepo := &memDeviceRepo{devices: make(map[string]entities.Device)}
	commandRepo := &memCommandRepo{cmds: make(map[string]entities.Command)}
	logRepo := &memLogRepo{}
	reg := registry.New(deviceRepo)
	commands := usecases.NewCommandsUseCase(commandRepo)
	mgr := NewManager(fakeAuthenticator{}, reg, commands, logRepo, heartbeatTimeout)
	return &stack{mgr: mgr, reg: reg, commands: commands, logs: logRepo}
}

// connect runs a session over a fresh fake transport and completes the
// handshake plus device binding.
func (s *stack) connect(t *testing.T, deviceID string) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	go s.mgr.HandleConnection(tr)
	tr.agentSend(t, protocol.Auth{Token: "good-token"})
	tr.agentSend(t, protocol.DeviceInfo{DeviceID: deviceID, Info: map[string]any{"name": "test device"}})
	require.Eventually(t, func() bool { return s.mgr.IsConnected(deviceID) },
		time.Second, 5*time.Millisecond, "session did not become active")
	return tr
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond, what)
}

// ---- tests ----

func TestFirstMessageMustBeAuth(t *testing.T) {
	s := newStack(time.Minute)
	tr := newFakeTransport()
	go s.mgr.HandleConnection(tr)

	tr.agentSend(t, protocol.Heartbeat{DeviceID: "d1", Timestamp: 1})

	msg := tr.agentRecv(t)
	errMsg, isErr := msg.(protocol.Error)
	require.True(t, isErr, "expected error frame, got %T", msg)
	assert.Equal(t, "protocol_error", errMsg.Code)
	eventually(t, func() bool {
		select {
		case <-tr.closed:
			return true
		default:
			return false
		}
	}, "session must close after protocol error")
	assert.False(t, s.mgr.IsConnected("d1"))
}

func TestBadTokenIsRejected(t *testing.T) {
	s := newStack(time.Minute)
	tr := newFakeTransport()
	go s.mgr.HandleConnection(tr)

	tr.agentSend(t, protocol.Auth{Token: "stolen"})

	msg := tr.agentRecv(t)
	errMsg, isErr := msg.(protocol.Error)
	require.True(t, isErr)
	assert.Equal(t, "auth_failed", errMsg.Code)
}

func TestDeviceInfoRegistersDevice(t *testing.T) {
	s := newStack(time.Minute)
	tr := newFakeTransport()
	go s.mgr.HandleConnection(tr)

	tr.agentSend(t, protocol.Auth{Token: "good-token"})
	tr.agentSend(t, protocol.DeviceInfo{DeviceID: "d1", Info: map[string]any{
		"name": "lab phone", "model": "Pixel 7", "os_version": "14",
		"api_level": float64(34), "architecture": "arm64-v8a",
	}})

	eventually(t, func() bool { return s.reg.IsOnline("d1") }, "device must come online")
	device, found := s.reg.Get("d1")
	require.True(t, found)
	assert.Equal(t, "lab phone", device.Name)
	assert.Equal(t, "Pixel 7", device.Model)
	assert.Equal(t, 34, device.APILevel)
	tr.Close()
}

func TestMalformedFrameClosesOnlyThatSession(t *testing.T) {
	s := newStack(time.Minute)
	tr1 := s.connect(t, "d1")
	tr2 := s.connect(t, "d2")

	tr1.in <- []byte(`{"type":"wat"}`)

	eventually(t, func() bool { return !s.mgr.IsConnected("d1") }, "bad session must close")
	assert.True(t, s.mgr.IsConnected("d2"), "other sessions unaffected")
	tr2.Close()
}

func TestLogMessagesReachTheLedger(t *testing.T) {
	s := newStack(time.Minute)
	tr := s.connect(t, "d1")

	tr.agentSend(t, protocol.Log{DeviceID: "d1", Level: "warn", Message: "battery low"})

	eventually(t, func() bool {
		entries, _ := s.logs.List("", 0, 0)
		return len(entries) == 1
	}, "log entry must be persisted")
	entries, _ := s.logs.List("", 0, 0)
	assert.Equal(t, "warn", entries[0].Level)
	assert.Equal(t, "battery low", entries[0].Message)
	tr.Close()
}

func TestDispatchToOfflineDevice(t *testing.T) {
	s := newStack(time.Minute)
	cmd, err := s.commands.Enqueue("d1", "uptime", false)
	require.NoError(t, err)

	err = s.mgr.Dispatch("d1", cmd)
	require.ErrorIs(t, err, ErrDeviceOffline)

	stored, _ := s.commands.Get(cmd.ID)
	assert.Equal(t, entities.CommandQueued, stored.Status, "command stays queued for retry")
}

// Full loop from the operator's point of view: offline enqueue, connect,
// dispatch, result.
func TestCommandRoundTrip(t *testing.T) {
	s := newStack(time.Minute)

	cmd, err := s.commands.Enqueue("d1", "echo hi", false)
	require.NoError(t, err)
	require.ErrorIs(t, s.mgr.Dispatch("d1", cmd), ErrDeviceOffline)

	tr := s.connect(t, "d1")
	tr.agentSend(t, protocol.Heartbeat{DeviceID: "d1", Timestamp: time.Now().Unix()})

	require.NoError(t, s.mgr.Dispatch("d1", cmd))
	stored, _ := s.commands.Get(cmd.ID)
	assert.Equal(t, entities.CommandExecuting, stored.Status)

	// The agent receives the command frame.
	msg := tr.agentRecv(t)
	wire, isCmd := msg.(protocol.Command)
	require.True(t, isCmd, "expected command frame, got %T", msg)
	assert.Equal(t, cmd.ID, wire.ID)
	assert.Equal(t, "echo hi", wire.Command)

	// And reports success.
	tr.agentSend(t, protocol.CommandResult{ID: cmd.ID, Success: true, Output: "ok"})
	eventually(t, func() bool {
		stored, _ := s.commands.Get(cmd.ID)
		return stored.Status == entities.CommandCompleted
	}, "result must complete the command")
	stored, _ = s.commands.Get(cmd.ID)
	assert.Equal(t, "ok", stored.Output)
	tr.Close()
}

func TestSecondDispatchWhileExecutingIsRejected(t *testing.T) {
	s := newStack(time.Minute)
	tr := s.connect(t, "d1")

	first, _ := s.commands.Enqueue("d1", "sleep 100", false)
	second, _ := s.commands.Enqueue("d1", "ls", false)
	require.NoError(t, s.mgr.Dispatch("d1", first))

	err := s.mgr.Dispatch("d1", second)
	var invalid *usecases.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)

	stored, _ := s.commands.Get(second.ID)
	assert.Equal(t, entities.CommandQueued, stored.Status)
	tr.Close()
}

func TestDuplicateResultDoesNotAlterCompletion(t *testing.T) {
	s := newStack(time.Minute)
	tr := s.connect(t, "d1")

	cmd, _ := s.commands.Enqueue("d1", "whoami", false)
	require.NoError(t, s.mgr.Dispatch("d1", cmd))
	tr.agentRecv(t)

	tr.agentSend(t, protocol.CommandResult{ID: cmd.ID, Success: true, Output: "root"})
	eventually(t, func() bool {
		stored, _ := s.commands.Get(cmd.ID)
		return stored.Terminal()
	}, "first result applies")
	first, _ := s.commands.Get(cmd.ID)

	// Duplicate delivery: absorbed, session stays up, record unchanged.
	tr.agentSend(t, protocol.CommandResult{ID: cmd.ID, Success: false, Output: "", Error: strPtr("late")})
	tr.agentSend(t, protocol.Heartbeat{DeviceID: "d1", Timestamp: time.Now().Unix()})
	eventually(t, func() bool { return s.mgr.IsConnected("d1") }, "session survives duplicate result")

	second, _ := s.commands.Get(cmd.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	tr.Close()
}

func TestHeartbeatTimeoutDegradesDeviceAndFailsCommand(t *testing.T) {
	s := newStack(80 * time.Millisecond)
	tr := s.connect(t, "d1")

	cmd, _ := s.commands.Enqueue("d1", "sleep 600", false)
	require.NoError(t, s.mgr.Dispatch("d1", cmd))
	tr.agentRecv(t)

	// No heartbeats: within one timeout window the device goes offline and
	// the in-flight command fails.
	eventually(t, func() bool { return !s.reg.IsOnline("d1") }, "device must go offline")
	eventually(t, func() bool {
		stored, _ := s.commands.Get(cmd.ID)
		return stored.Status == entities.CommandFailed
	}, "executing command must fail on timeout")
	stored, _ := s.commands.Get(cmd.ID)
	assert.Contains(t, stored.Error, "heartbeat timeout")
}

func TestHeartbeatsKeepSessionAlive(t *testing.T) {
	s := newStack(120 * time.Millisecond)
	tr := s.connect(t, "d1")

	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		tr.agentSend(t, protocol.Heartbeat{DeviceID: "d1", Timestamp: time.Now().Unix()})
	}
	assert.True(t, s.mgr.IsConnected("d1"), "regular heartbeats must keep the session active")
	tr.Close()
}

func TestDisconnectMarksOffline(t *testing.T) {
	s := newStack(time.Minute)
	tr := s.connect(t, "d1")

	tr.Close()
	eventually(t, func() bool { return !s.reg.IsOnline("d1") }, "disconnect must mark device offline")
	assert.False(t, s.mgr.IsConnected("d1"))
}

func TestReconnectReplacesStaleSession(t *testing.T) {
	s := newStack(time.Minute)
	tr1 := s.connect(t, "d1")
	_ = tr1

	// Second connection for the same device takes over.
	tr2 := newFakeTransport()
	go s.mgr.HandleConnection(tr2)
	tr2.agentSend(t, protocol.Auth{Token: "good-token"})
	tr2.agentSend(t, protocol.DeviceInfo{DeviceID: "d1", Info: map[string]any{"name": "test device"}})

	eventually(t, func() bool {
		select {
		case <-tr1.closed:
			return true
		default:
			return false
		}
	}, "stale session must be closed")
	eventually(t, func() bool { return s.mgr.IsConnected("d1") }, "new session must be active")
	assert.True(t, s.reg.IsOnline("d1"), "takeover must not leave the device offline")
	tr2.Close()
}

func TestTelemetryFromDeviceInfo(t *testing.T) {
	s := newStack(time.Minute)
	tr := s.connect(t, "d1")

	tr.agentSend(t, protocol.DeviceInfo{DeviceID: "d1", Info: map[string]any{
		"cpu_usage": 42.5, "memory_usage": 61.0, "storage_usage": 80.0, "battery_level": 99.0,
	}})

	eventually(t, func() bool {
		_, ok := s.mgr.Telemetry("d1")
		return ok
	}, "telemetry must surface")
	stats, _ := s.mgr.Telemetry("d1")
	assert.Equal(t, 42.5, stats.CPUUsage)
	assert.Equal(t, 99.0, stats.BatteryLevel)
	tr.Close()
}

func strPtr(s string) *string { return &s }
