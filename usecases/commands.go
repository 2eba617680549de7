// Package usecases holds the command lifecycle. A command moves
// queued -> executing -> completed|failed and never backwards; at most one
// command per device may be executing at a time.
package usecases

import (
	"fmt"
	"sync"
	"time"

	"rdm-server/entities"
	"rdm-server/repositories"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// InvalidTransitionError reports a command state machine violation. It is
// returned to the caller and is never fatal to a session.
type InvalidTransitionError struct {
	CommandID string
	From      string
	To        string
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for command %s: %s -> %s (%s)", e.CommandID, e.From, e.To, e.Reason)
}

type CommandsUseCase struct {
	repo repositories.CommandRepository

	// executing guards the at-most-one-in-flight invariant. It maps
	// device id -> executing command id and is checked-and-set atomically
	// under mu. The ledger write happens after the slot is claimed and the
	// slot is released if persistence fails.
	mu        sync.Mutex
	executing map[string]string
}

func NewCommandsUseCase(repo repositories.CommandRepository) *CommandsUseCase {
	return &CommandsUseCase{
		repo:      repo,
		executing: make(map[string]string),
	}
}

// Enqueue creates a command in queued state and persists it.
func (uc *CommandsUseCase) Enqueue(deviceID, command string, sudo bool) (*entities.Command, error) {
	if deviceID == "" || command == "" {
		return nil, errors.New("device_id and command are required")
	}
	cmd := &entities.Command{
		DeviceID: deviceID,
		Command:  command,
		Sudo:     sudo,
		Status:   entities.CommandQueued,
	}
	if err := uc.repo.Create(cmd); err != nil {
		return nil, err
	}
	log.Info().Str("command_id", cmd.ID).Str("device_id", deviceID).Bool("sudo", sudo).Msg("command enqueued")
	return cmd, nil
}

// BeginExecution transitions queued -> executing. It fails with
// *InvalidTransitionError when the command is not queued or when another
// command for the same device is already in flight, leaving all state
// untouched in either case.
func (uc *CommandsUseCase) BeginExecution(commandID string) error {
	cmd, err := uc.repo.GetByID(commandID)
	if err != nil {
		return errors.Wrap(err, "lookup command")
	}
	if cmd.Status != entities.CommandQueued {
		err := &InvalidTransitionError{CommandID: commandID, From: cmd.Status, To: entities.CommandExecuting, Reason: "command is not queued"}
		log.Warn().Str("command_id", commandID).Str("from", cmd.Status).Msg("begin execution rejected")
		return err
	}

	uc.mu.Lock()
	if inflight, busy := uc.executing[cmd.DeviceID]; busy {
		uc.mu.Unlock()
		err := &InvalidTransitionError{CommandID: commandID, From: cmd.Status, To: entities.CommandExecuting,
			Reason: "command " + inflight + " is already executing on this device"}
		log.Warn().Str("command_id", commandID).Str("device_id", cmd.DeviceID).Str("inflight", inflight).Msg("begin execution rejected")
		return err
	}
	uc.executing[cmd.DeviceID] = commandID
	uc.mu.Unlock()

	cmd.Status = entities.CommandExecuting
	if err := uc.repo.Update(cmd); err != nil {
		uc.release(cmd.DeviceID, commandID)
		return errors.Wrap(err, "persist executing state")
	}
	log.Info().Str("command_id", commandID).Str("device_id", cmd.DeviceID).Msg("command executing")
	return nil
}

// RollbackExecution returns an executing command to queued so the caller
// can retry it. Used when delivery to the device fails after the
// transition.
func (uc *CommandsUseCase) RollbackExecution(commandID string) error {
	cmd, err := uc.repo.GetByID(commandID)
	if err != nil {
		return errors.Wrap(err, "lookup command")
	}
	if cmd.Status != entities.CommandExecuting {
		return &InvalidTransitionError{CommandID: commandID, From: cmd.Status, To: entities.CommandQueued, Reason: "command is not executing"}
	}
	if !uc.release(cmd.DeviceID, commandID) {
		// A terminal writer already took the slot; nothing left to requeue.
		log.Info().Str("command_id", commandID).Msg("rollback lost to a terminal write")
		return nil
	}
	cmd.Status = entities.CommandQueued
	if err := uc.repo.Update(cmd); err != nil {
		uc.restore(cmd.DeviceID, commandID)
		return errors.Wrap(err, "persist rollback")
	}
	log.Info().Str("command_id", commandID).Msg("command rolled back to queued")
	return nil
}

// Complete transitions executing -> completed. A result for an already
// terminal command is absorbed and logged, not treated as an error.
func (uc *CommandsUseCase) Complete(commandID, output string) error {
	return uc.finish(commandID, entities.CommandCompleted, output, "")
}

// Fail transitions executing -> failed.
func (uc *CommandsUseCase) Fail(commandID, errText string) error {
	return uc.finish(commandID, entities.CommandFailed, "", errText)
}

func (uc *CommandsUseCase) finish(commandID, status, output, errText string) error {
	cmd, err := uc.repo.GetByID(commandID)
	if err != nil {
		return errors.Wrap(err, "lookup command")
	}
	if cmd.Terminal() {
		// Duplicate or late result delivery.
		log.Info().Str("command_id", commandID).Str("status", cmd.Status).Msg("result for terminal command ignored")
		return nil
	}
	if cmd.Status != entities.CommandExecuting {
		err := &InvalidTransitionError{CommandID: commandID, From: cmd.Status, To: status, Reason: "command is not executing"}
		log.Warn().Str("command_id", commandID).Str("from", cmd.Status).Str("to", status).Msg("transition rejected")
		return err
	}

	// The executing slot doubles as the terminal-write claim: only the
	// caller that removes it may write the terminal row. A device result
	// racing the liveness timeout resolves here; the loser absorbs.
	if !uc.release(cmd.DeviceID, commandID) {
		log.Info().Str("command_id", commandID).Str("status", status).Msg("terminal write lost the claim, absorbed")
		return nil
	}

	cmd.Status = status
	cmd.Output = output
	cmd.Error = errText
	cmd.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	if err := uc.repo.Update(cmd); err != nil {
		uc.restore(cmd.DeviceID, commandID)
		return errors.Wrap(err, "persist terminal state")
	}
	log.Info().Str("command_id", commandID).Str("device_id", cmd.DeviceID).Str("status", status).Msg("command finished")
	return nil
}

// FailExecuting fails whatever command is currently executing on the
// device, if any. Called when a session dies with work in flight.
func (uc *CommandsUseCase) FailExecuting(deviceID, errText string) error {
	uc.mu.Lock()
	commandID, ok := uc.executing[deviceID]
	uc.mu.Unlock()
	if !ok {
		return nil
	}
	return uc.Fail(commandID, errText)
}

// Executing returns the id of the in-flight command for the device.
func (uc *CommandsUseCase) Executing(deviceID string) (string, bool) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	id, ok := uc.executing[deviceID]
	return id, ok
}

func (uc *CommandsUseCase) Get(commandID string) (*entities.Command, error) {
	return uc.repo.GetByID(commandID)
}

func (uc *CommandsUseCase) ListByDevice(deviceID string, limit int) ([]entities.Command, error) {
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}
	return uc.repo.GetByDeviceID(deviceID, limit)
}

// release removes the executing slot if this command still holds it and
// reports whether this caller performed the removal. Terminal writers and
// rollback use the removal as their write claim.
func (uc *CommandsUseCase) release(deviceID, commandID string) bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.executing[deviceID] != commandID {
		return false
	}
	delete(uc.executing, deviceID)
	return true
}

// restore puts the slot back after a claimed write failed to persist, so
// the command does not leak out of the in-flight set while still executing
// in the ledger.
func (uc *CommandsUseCase) restore(deviceID, commandID string) {
	uc.mu.Lock()
	if _, busy := uc.executing[deviceID]; !busy {
		uc.executing[deviceID] = commandID
	}
	uc.mu.Unlock()
}
