// Package protocol defines the tag-discriminated JSON messages exchanged
// between the server and its agents. The variant tags and field names are a
// compatibility surface shared with the agent side and must not change.
package protocol

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	TypeAuth          Type = "auth"
	TypeDeviceInfo    Type = "device_info"
	TypeCommand       Type = "command"
	TypeCommandResult Type = "command_result"
	TypeLog           Type = "log"
	TypeHeartbeat     Type = "heartbeat"
	TypeError         Type = "error"
)

// ProtocolError reports a frame that cannot be decoded: unknown tag, bad
// JSON, or a required field missing for the tagged variant. It is fatal to
// the session that produced it, never to the server.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Reason
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Message is the closed set of wire messages. Exactly one struct per tag.
type Message interface {
	MessageType() Type
}

type Auth struct {
	Token string `json:"token"`
}

type DeviceInfo struct {
	DeviceID string         `json:"device_id"`
	Info     map[string]any `json:"info"`
}

type Command struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Sudo    bool   `json:"sudo"`
}

type CommandResult struct {
	ID      string  `json:"id"`
	Success bool    `json:"success"`
	Output  string  `json:"output"`
	Error   *string `json:"error,omitempty"`
}

type Log struct {
	DeviceID string  `json:"device_id"`
	Level    string  `json:"level"`
	Message  string  `json:"message"`
	Data     *string `json:"data,omitempty"`
}

type Heartbeat struct {
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Auth) MessageType() Type          { return TypeAuth }
func (DeviceInfo) MessageType() Type    { return TypeDeviceInfo }
func (Command) MessageType() Type       { return TypeCommand }
func (CommandResult) MessageType() Type { return TypeCommandResult }
func (Log) MessageType() Type           { return TypeLog }
func (Heartbeat) MessageType() Type     { return TypeHeartbeat }
func (Error) MessageType() Type         { return TypeError }

// Encode serializes m as an internally tagged JSON object:
// {"type": "<tag>", ...variant fields}.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	return json.Marshal(fields)
}

// Decode parses a tagged frame back into its variant. Unknown tags and
// variants missing required fields fail with *ProtocolError. A heartbeat
// with a zero timestamp counts as missing: zero is never a real beat time,
// so such a frame does not round-trip through Encode.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, protocolErrorf("malformed frame: %v", err)
	}
	if env.Type == "" {
		return nil, protocolErrorf("missing type tag")
	}

	switch env.Type {
	case TypeAuth:
		var w struct {
			Token *string `json:"token"`
		}
		if err := unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.Token == nil {
			return nil, missing(env.Type, "token")
		}
		return Auth{Token: *w.Token}, nil

	case TypeDeviceInfo:
		var w struct {
			DeviceID *string        `json:"device_id"`
			Info     map[string]any `json:"info"`
		}
		if err := unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.DeviceID == nil {
			return nil, missing(env.Type, "device_id")
		}
		if w.Info == nil {
			return nil, missing(env.Type, "info")
		}
		return DeviceInfo{DeviceID: *w.DeviceID, Info: w.Info}, nil

	case TypeCommand:
		var w struct {
			ID      *string `json:"id"`
			Command *string `json:"command"`
			Sudo    *bool   `json:"sudo"`
		}
		if err := unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.ID == nil {
			return nil, missing(env.Type, "id")
		}
		if w.Command == nil {
			return nil, missing(env.Type, "command")
		}
		if w.Sudo == nil {
			return nil, missing(env.Type, "sudo")
		}
		return Command{ID: *w.ID, Command: *w.Command, Sudo: *w.Sudo}, nil

	case TypeCommandResult:
		var w struct {
			ID      *string `json:"id"`
			Success *bool   `json:"success"`
			Output  *string `json:"output"`
			Error   *string `json:"error"`
		}
		if err := unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.ID == nil {
			return nil, missing(env.Type, "id")
		}
		if w.Success == nil {
			return nil, missing(env.Type, "success")
		}
		if w.Output == nil {
			return nil, missing(env.Type, "output")
		}
		return CommandResult{ID: *w.ID, Success: *w.Success, Output: *w.Output, Error: w.Error}, nil

	case TypeLog:
		var w struct {
			DeviceID *string `json:"device_id"`
			Level    *string `json:"level"`
			Message  *string `json:"message"`
			Data     *string `json:"data"`
		}
		if err := unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.DeviceID == nil {
			return nil, missing(env.Type, "device_id")
		}
		if w.Level == nil {
			return nil, missing(env.Type, "level")
		}
		if w.Message == nil {
			return nil, missing(env.Type, "message")
		}
		return Log{DeviceID: *w.DeviceID, Level: *w.Level, Message: *w.Message, Data: w.Data}, nil

	case TypeHeartbeat:
		var w struct {
			DeviceID  *string `json:"device_id"`
			Timestamp *int64  `json:"timestamp"`
		}
		if err := unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.DeviceID == nil {
			return nil, missing(env.Type, "device_id")
		}
		if w.Timestamp == nil || *w.Timestamp == 0 {
			return nil, missing(env.Type, "timestamp")
		}
		return Heartbeat{DeviceID: *w.DeviceID, Timestamp: *w.Timestamp}, nil

	case TypeError:
		var w struct {
			Code    *string `json:"code"`
			Message *string `json:"message"`
		}
		if err := unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.Code == nil {
			return nil, missing(env.Type, "code")
		}
		if w.Message == nil {
			return nil, missing(env.Type, "message")
		}
		return Error{Code: *w.Code, Message: *w.Message}, nil

	default:
		return nil, protocolErrorf("unknown message type %q", env.Type)
	}
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return protocolErrorf("malformed frame: %v", err)
	}
	return nil
}

func missing(t Type, field string) error {
	return protocolErrorf("%s: missing required field %q", t, field)
}
