package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Valid(t *testing.T) {
	raw := []byte(`{
		"id": "12",
		"cid": "CON-1",
		"from": "MEM-1",
		"type": "text",
		"body": {"text": "hello", "tid": "abc"},
		"timestamp": "2024-03-01T10:00:00.000Z"
	}`)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "12", env.ID)
	assert.Equal(t, int64(12), env.Index())
	assert.Equal(t, "CON-1", env.CID)
	assert.Equal(t, TypeText, env.Type)
	assert.Equal(t, "abc", env.BodyTID())
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), env.Timestamp)

	body, err := DecodeBody[TextBody](env.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", body.Text)
}

func TestDecode_NumericID(t *testing.T) {
	env, err := Decode([]byte(`{"id": 7, "cid": "CON-1", "type": "member:joined"}`))
	require.NoError(t, err)
	assert.Equal(t, "7", env.ID)
	assert.NotNil(t, env.Body)
}

func TestDecode_TypingWithoutID(t *testing.T) {
	env, err := Decode([]byte(`{"cid": "CON-1", "type": "text:typing:on", "from": "MEM-2"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), env.Index())
	assert.Equal(t, KindTyping, env.Type.Kind())
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"cid":`,
		"missing cid":    `{"id": "1", "type": "text"}`,
		"empty type":     `{"cid": "CON-1", "type": ""}`,
		"non-numeric id": `{"id": "abc", "cid": "CON-1", "type": "text"}`,
		"body not map":   `{"cid": "CON-1", "type": "text", "body": "hi"}`,
		"bad timestamp":  `{"cid": "CON-1", "type": "text", "timestamp": "yesterday"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, IsMalformed(err), "got %v", err)
		})
	}
}

func TestDecode_UnknownTypeAccepted(t *testing.T) {
	env, err := Decode([]byte(`{"id": "3", "cid": "CON-1", "type": "custom:ping"}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, env.Type.Kind())
}
