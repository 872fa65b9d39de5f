package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiptBody_EventIDNumberOrString(t *testing.T) {
	asNumber := Envelope{Type: TypeTextSeen, Body: map[string]any{"event_id": float64(12)}}
	rb, err := asNumber.ReceiptBody()
	require.NoError(t, err)
	assert.Equal(t, "12", rb.EventID)

	asString := Envelope{Type: TypeTextSeen, Body: map[string]any{"event_id": "12"}}
	rb, err = asString.ReceiptBody()
	require.NoError(t, err)
	assert.Equal(t, "12", rb.EventID)

	_, err = Envelope{Type: TypeTextSeen, Body: map[string]any{}}.ReceiptBody()
	assert.True(t, IsMalformed(err))
}

func TestMemberBody(t *testing.T) {
	env := Envelope{
		Type: TypeMemberInvited,
		Body: map[string]any{
			"cname":      "team",
			"invited_by": "alice",
			"user": map[string]any{
				"id":   "USR-2",
				"name": "bob",
				"media": map[string]any{
					"audio":          true,
					"audio_settings": map[string]any{"enabled": true, "muted": true, "earmuffed": false},
				},
			},
			"timestamp": map[string]any{"invited": "2024-03-01T10:00:00Z"},
		},
	}

	mb, err := env.MemberBody()
	require.NoError(t, err)
	assert.Equal(t, "team", mb.ConversationName)
	assert.Equal(t, "USR-2", mb.User.ID)
	assert.Equal(t, "alice", mb.InvitedBy)
	require.NotNil(t, mb.User.Media)
	require.NotNil(t, mb.User.Media.AudioSettings)
	assert.True(t, mb.User.Media.AudioSettings.Muted)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), mb.Timestamp["invited"])
}

func TestStateOf_TopLevelAndNested(t *testing.T) {
	top := map[string]any{
		"text":    "hi",
		"seen_by": map[string]any{"MEM-1": "2024-03-01T10:00:00Z"},
	}
	st := StateOf(top)
	assert.True(t, st.SeenByAny([]string{"MEM-9", "MEM-1"}))
	assert.False(t, st.DeliveredToAny([]string{"MEM-1"}))

	nested := map[string]any{
		"state": map[string]any{
			"delivered_to": map[string]any{"MEM-2": "2024-03-01T10:00:00Z"},
		},
	}
	st = StateOf(nested)
	assert.True(t, st.DeliveredToAny([]string{"MEM-2"}))
	assert.Empty(t, st.SeenBy)
}

func TestPayloads(t *testing.T) {
	p := TextPayload("CON-1", "MEM-1", "café", "tid-1")
	assert.Equal(t, TypeText, p.Type)
	assert.Equal(t, "café", p.Body["text"])
	assert.Equal(t, "tid-1", p.Body["tid"])

	ind := IndicationPayload("CON-1", "MEM-1", TypeTextDelivered, "5")
	assert.Equal(t, map[string]any{"event_id": "5"}, ind.Body)

	typing := TypingPayload("CON-1", "MEM-1", true)
	assert.Equal(t, TypeTextTypingOn, typing.Type)
	assert.Equal(t, 1, typing.Body["activity"])
}
