package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestRoundTripAllVariants(t *testing.T) {
	messages := []Message{
		Auth{Token: "secret-token"},
		DeviceInfo{DeviceID: "d1", Info: map[string]any{"model": "Pixel 7", "api_level": float64(33)}},
		Command{ID: "c1", Command: "ls -la", Sudo: false},
		Command{ID: "c2", Command: "reboot", Sudo: true},
		CommandResult{ID: "c1", Success: true, Output: "ok"},
		CommandResult{ID: "c2", Success: false, Output: "", Error: strPtr("permission denied")},
		Log{DeviceID: "d1", Level: "info", Message: "booted"},
		Log{DeviceID: "d1", Level: "error", Message: "crash", Data: strPtr(`{"pc":"0xdead"}`)},
		Heartbeat{DeviceID: "d1", Timestamp: 1718000000},
		Error{Code: "auth_failed", Message: "invalid token"},
	}

	for _, msg := range messages {
		encoded, err := Encode(msg)
		require.NoError(t, err, "encode %T", msg)

		decoded, err := Decode(encoded)
		require.NoError(t, err, "decode %T: %s", msg, encoded)
		assert.Equal(t, msg, decoded, "round trip %T", msg)
	}
}

func TestEncodeCarriesTypeTag(t *testing.T) {
	encoded, err := Encode(Heartbeat{DeviceID: "d1", Timestamp: 42})
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"type":"heartbeat"`)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte(`{"type":"selfdestruct","device_id":"d1"}`))
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "unknown message type")
}

func TestDecodeMissingTag(t *testing.T) {
	_, err := Decode([]byte(`{"device_id":"d1"}`))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":"auth"`))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDecodeMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"auth without token":            `{"type":"auth"}`,
		"device_info without info":      `{"type":"device_info","device_id":"d1"}`,
		"device_info without device_id": `{"type":"device_info","info":{}}`,
		"command without id":            `{"type":"command","command":"ls","sudo":false}`,
		"command without sudo":          `{"type":"command","id":"c1","command":"ls"}`,
		"command_result without output": `{"type":"command_result","id":"c1","success":true}`,
		"log without level":             `{"type":"log","device_id":"d1","message":"hi"}`,
		"heartbeat without timestamp":   `{"type":"heartbeat","device_id":"d1"}`,
		"heartbeat with zero timestamp": `{"type":"heartbeat","device_id":"d1","timestamp":0}`,
		"error without code":            `{"type":"error","message":"boom"}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr, "frame %s", frame)
		})
	}
}

func TestDecodeOptionalFieldsMayBeAbsent(t *testing.T) {
	decoded, err := Decode([]byte(`{"type":"command_result","id":"c1","success":true,"output":"done"}`))
	require.NoError(t, err)
	result, isResult := decoded.(CommandResult)
	require.True(t, isResult)
	assert.Nil(t, result.Error)

	decoded, err = Decode([]byte(`{"type":"log","device_id":"d1","level":"warn","message":"low battery"}`))
	require.NoError(t, err)
	logMsg, isLog := decoded.(Log)
	require.True(t, isLog)
	assert.Nil(t, logMsg.Data)
}
