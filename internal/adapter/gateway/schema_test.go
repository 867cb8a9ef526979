package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esp32-tools/internal/domain"
)

func TestPayloadSchemasCompile(t *testing.T) {
	for method, src := range payloadSchemas {
		_, err := compileSchema(method, src)
		assert.NoError(t, err, method)
	}
	_, err := compileSchema("broken", `{"type": 12}`)
	assert.Error(t, err)
}

func TestValidated(t *testing.T) {
	var calls int
	inner := func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"ok"`), nil
	}

	tests := []struct {
		method  string
		payload string
		wantErr bool
	}{
		{"command.send", `{"command":"id"}`, false},
		{"command.send", `{"command":"id","quiet_timeout_ms":500}`, false},
		{"command.send", `{"command":"   "}`, true},
		{"command.send", `{}`, true},
		{"command.send", ``, true},
		{"command.send", `"id"`, true},
		{"command.send", `{"command":"id","overall_timeout_ms":-1}`, true},
		{"session.connect", ``, false},
		{"session.connect", `{"port":"/dev/ttyUSB0","baud_rate":115200}`, false},
		{"session.connect", `{"max_attempts":99}`, true},
		{"session.connect", `{"baud_rate":"fast"}`, true},
		{"flash.dump", `{"start":0,"size":4096,"device":"bench"}`, false},
		{"flash.dump", `{"size":-4}`, true},
		{"operation.run", `{"name":"info","attributes":{"chip":"W25Q64"}}`, false},
		{"operation.run", `{"name":"info","attributes":{"n":1}}`, true},
		{"operation.run", `{"name":""}`, true},
		{"dumps.get", `{"id":"01J0000000000000000000000"}`, false},
		{"dumps.get", `null`, true},
		{"ports.list", `"anything"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.payload, func(t *testing.T) {
			before := calls
			h := validated(tt.method, inner)

			_, err := h(context.Background(), &ClientInfo{Name: "tester"}, json.RawMessage(tt.payload))

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrRPCInvalidPayload)
				assert.Equal(t, before, calls, "handler not reached")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, before+1, calls)
		})
	}
}

func TestValidated_DetailNamesField(t *testing.T) {
	h := validated("session.connect", func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	_, err := h(context.Background(), &ClientInfo{}, json.RawMessage(`{"baud_rate":-1}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "/baud_rate")
}
