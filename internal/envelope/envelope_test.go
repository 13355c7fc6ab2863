package envelope_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/envelope"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := envelope.New(envelope.TypeCommandRequested, "CreateUser",
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
		"33333333-3333-3333-3333-333333333333",
		"user-1",
		map[string]string{envelope.HeaderReplyTo: "APP.CMD.REPLY.Q"},
	)
	env.Payload = json.RawMessage(`{"username":"alice"}`)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := envelope.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, env.MessageID, decoded.MessageID)
	assert.Equal(t, envelope.TypeCommandRequested, decoded.Type)
	assert.Equal(t, "CreateUser", decoded.Name)
	assert.Equal(t, "user-1", decoded.BusinessKey())
	assert.Equal(t, "APP.CMD.REPLY.Q", decoded.Headers[envelope.HeaderReplyTo])
	assert.Equal(t, envelope.SchemaVersion, decoded.Headers[envelope.HeaderSchemaVersion])
	assert.JSONEq(t, `{"username":"alice"}`, string(decoded.Payload))
}

func TestEnvelopeNullKey(t *testing.T) {
	env := envelope.New(envelope.TypeCommandCompleted, "CreateUser", "c", "corr", "cause", "", nil)

	data, err := env.Encode()
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	value, present := wire["key"]
	assert.True(t, present, "key must be present on the wire")
	assert.Nil(t, value, "absent business key is null")

	decoded, err := envelope.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "", decoded.BusinessKey())
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := envelope.Decode([]byte(`{"messageId":"m1","type":"Bogus"}`))
	assert.Error(t, err)
}

func TestDecodeRejectsMissingMessageID(t *testing.T) {
	_, err := envelope.Decode([]byte(`{"type":"CommandRequested"}`))
	assert.Error(t, err)
}

func TestIsReply(t *testing.T) {
	cases := []struct {
		envType envelope.Type
		want    bool
	}{
		{envelope.TypeCommandRequested, false},
		{envelope.TypeCommandCompleted, true},
		{envelope.TypeCommandFailed, true},
		{envelope.TypeCommandTimedOut, true},
	}
	for _, tc := range cases {
		env := envelope.New(tc.envType, "X", "c", "corr", "cause", "", nil)
		assert.Equal(t, tc.want, env.IsReply(), string(tc.envType))
	}
}
