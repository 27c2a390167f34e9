package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

func TestEncodeFillsVersion(t *testing.T) {
	f, err := Encode(&domain.Message{ID: "1", Method: "signalwire.ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"1","method":"signalwire.ping"}`, string(f))
}

func TestDecodeClassifies(t *testing.T) {
	resp, err := Decode(core.Frame(`{"jsonrpc":"2.0","id":"a","result":{}}`))
	require.NoError(t, err)
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsRequest())

	errResp, err := Decode(core.Frame(`{"jsonrpc":"2.0","id":"b","error":{"code":-32002,"message":"Authentication failed"}}`))
	require.NoError(t, err)
	assert.True(t, errResp.IsResponse())
	require.NotNil(t, errResp.Error)
	assert.Equal(t, domain.CodeAuthFailed, errResp.Error.Code)

	req, err := Decode(core.Frame(`{"jsonrpc":"2.0","id":"c","method":"signalwire.event","params":{"event_type":"x"}}`))
	require.NoError(t, err)
	assert.True(t, req.IsRequest())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for name, frame := range map[string]string{
		"not json":      `{`,
		"wrong version": `{"jsonrpc":"1.0","id":"a","result":{}}`,
		"empty":         `{"jsonrpc":"2.0"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(core.Frame(frame))
			require.Error(t, err)
		})
	}
}

func TestDecodeIntoRequiresPayload(t *testing.T) {
	var out map[string]any
	require.Error(t, DecodeInto(nil, &out))
	require.NoError(t, DecodeInto([]byte(`{"n":1}`), &out))
	assert.Equal(t, float64(1), out["n"])
}

func TestNumericIDRoundTrips(t *testing.T) {
	req, err := Decode(core.Frame(`{"jsonrpc":"2.0","id":7,"method":"signalwire.ping","params":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "7", req.ID)
	assert.True(t, req.NumericID())

	reply, err := req.Reply(map[string]any{})
	require.NoError(t, err)
	f, err := Encode(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{}}`, string(f))

	f, err = Encode(req.ReplyError(domain.CodeMethodNotFound, "method not found"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"method not found"}}`, string(f))

	str, err := Decode(core.Frame(`{"jsonrpc":"2.0","id":"7","method":"signalwire.ping"}`))
	require.NoError(t, err)
	assert.False(t, str.NumericID())
	reply, err = str.Reply(map[string]any{})
	require.NoError(t, err)
	f, err = Encode(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"7","result":{}}`, string(f))
}

func TestDecodeRejectsObjectID(t *testing.T) {
	_, err := Decode(core.Frame(`{"jsonrpc":"2.0","id":{"a":1},"method":"signalwire.ping"}`))
	require.Error(t, err)
}
