package model

import (
	"strings"
	"time"

	"github.com/roach88/convsync/internal/protocol"
)

// Event is one entry of a conversation timeline, either confirmed by the
// server or a local draft awaiting its echo.
type Event struct {
	UUID             string
	ID               string // server id, empty for drafts
	ConversationUUID string
	Type             protocol.EventType
	From             string // member uuid
	Timestamp        time.Time
	Body             map[string]any
	TID              string
	IsDraft          bool
	Distribution     []string
	Seen             bool
	DeletedAt        time.Time
}

// EventUUID is the store key of a confirmed event.
func EventUUID(conversationUUID, id string) string {
	return conversationUUID + ":" + id
}

// DraftUUID is the store key of a draft. It is derived from the tid so the
// same draft cannot be queued twice.
func DraftUUID(conversationUUID, tid string) string {
	return conversationUUID + ":draft:" + tid
}

// SplitEventUUID returns the conversation uuid and server id of a confirmed
// event uuid. ok is false for drafts and malformed keys.
func SplitEventUUID(uuid string) (conversationUUID, id string, ok bool) {
	i := strings.LastIndex(uuid, ":")
	if i <= 0 || i == len(uuid)-1 {
		return "", "", false
	}
	conversationUUID, id = uuid[:i], uuid[i+1:]
	if strings.HasSuffix(conversationUUID, ":draft") {
		return "", "", false
	}
	return conversationUUID, id, true
}

// SplitDraftUUID returns the conversation uuid and tid of a draft uuid.
func SplitDraftUUID(uuid string) (conversationUUID, tid string, ok bool) {
	conversationUUID, tid, ok = strings.Cut(uuid, ":draft:")
	if !ok || conversationUUID == "" || tid == "" {
		return "", "", false
	}
	return conversationUUID, tid, true
}

// Index returns the numeric server id, or 0 for drafts.
func (e Event) Index() int64 {
	if e.ID == "" {
		return 0
	}
	n, err := protocol.ParseID(e.ID)
	if err != nil {
		return 0
	}
	return n
}

// Deleted reports whether a later event:delete targeted this event.
func (e Event) Deleted() bool {
	return !e.DeletedAt.IsZero()
}

// EventFromEnvelope converts a server envelope into a confirmed Event.
func EventFromEnvelope(env protocol.Envelope) Event {
	return Event{
		UUID:             EventUUID(env.CID, env.ID),
		ID:               env.ID,
		ConversationUUID: env.CID,
		Type:             env.Type,
		From:             env.From,
		Timestamp:        env.Timestamp,
		Body:             env.Body,
		TID:              env.BodyTID(),
	}
}
