package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEnvelopeShape(t *testing.T) {
	msg, err := NewRequest("req-1", OpGetAccount, map[string]string{"k": "v"})
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	// The outer object carries type and request_id; the op lives in the
	// inner envelope.
	var outer map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &outer))
	assert.JSONEq(t, `"request"`, string(outer["type"]))
	assert.JSONEq(t, `"req-1"`, string(outer["request_id"]))

	env, err := msg.Envelope()
	require.NoError(t, err)
	assert.Equal(t, OpGetAccount, env.Type)
	assert.JSONEq(t, `{"k":"v"}`, string(env.Data))
}

func TestResponseEchoesRequestID(t *testing.T) {
	resp, err := NewSuccessResponse("req-7", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, "req-7", resp.RequestID)
	assert.Equal(t, StatusSuccess, resp.Status)

	errResp := NewErrorResponse("req-7", "boom")
	assert.Equal(t, "req-7", errResp.RequestID)
	assert.Equal(t, StatusError, errResp.Status)
	assert.Equal(t, "boom", errResp.Error)
	assert.Nil(t, errResp.Data)
}

func TestPushEnvelope(t *testing.T) {
	msg, err := NewPush(PushAlarm, map[string]string{"message": "x"})
	require.NoError(t, err)
	assert.Equal(t, TypePush, msg.Type)
	assert.Empty(t, msg.RequestID)

	env, err := msg.Envelope()
	require.NoError(t, err)
	assert.Equal(t, PushAlarm, env.Type)
}

func TestMessageWireRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req, err := NewRequest("id-1", OpGetOrders, nil)
	require.NoError(t, err)
	require.NoError(t, WriteMessage(&buf, req))
	require.NoError(t, WriteMessage(&buf, NewHeartbeat()))

	got, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, TypeRequest, got.Type)
	assert.Equal(t, "id-1", got.RequestID)

	hb, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, hb.Type)
	assert.Empty(t, hb.RequestID)
}

func TestMalformedJSONFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("{not json")))

	_, err := ReadMessage(&buf, 0)
	assert.Error(t, err)
}
