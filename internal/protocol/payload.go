package protocol

// SendPayload is an outbound event toward the conversation service.
type SendPayload struct {
	ConversationID string         `json:"conversation_id"`
	From           string         `json:"from"`
	Type           EventType      `json:"type"`
	Body           map[string]any `json:"body"`
}

// TextPayload builds a "text" send.
func TextPayload(conversationID, from, text, tid string) SendPayload {
	return SendPayload{
		ConversationID: conversationID,
		From:           from,
		Type:           TypeText,
		Body:           map[string]any{"text": NormalizeText(text), "tid": tid},
	}
}

// ImagePayload builds an "image" send.
func ImagePayload(conversationID, from string, reps Representations, tid string) SendPayload {
	return SendPayload{
		ConversationID: conversationID,
		From:           from,
		Type:           TypeImage,
		Body: map[string]any{
			"representations": RepresentationsMap(reps),
			"tid":             tid,
		},
	}
}

// TypingPayload builds a typing indication.
func TypingPayload(conversationID, from string, on bool) SendPayload {
	t, activity := TypeTextTypingOff, 0
	if on {
		t, activity = TypeTextTypingOn, 1
	}
	return SendPayload{
		ConversationID: conversationID,
		From:           from,
		Type:           t,
		Body:           map[string]any{"activity": activity},
	}
}

// IndicationPayload builds a delivered/seen indication for eventID.
func IndicationPayload(conversationID, from string, t EventType, eventID string) SendPayload {
	return SendPayload{
		ConversationID: conversationID,
		From:           from,
		Type:           t,
		Body:           map[string]any{"event_id": eventID},
	}
}

// RepresentationsMap renders reps in the body shape the server expects.
func RepresentationsMap(reps Representations) map[string]any {
	one := func(r ImageRepresentation) map[string]any {
		return map[string]any{"id": r.ID, "url": r.URL, "type": r.Type, "size": r.Size}
	}
	return map[string]any{
		"original":  one(reps.Original),
		"medium":    one(reps.Medium),
		"thumbnail": one(reps.Thumbnail),
	}
}
