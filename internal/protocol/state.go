package protocol

import "time"

// EventState is the receipt state the server embeds in message events.
// It may appear at the top level of the body or nested under "state".
type EventState struct {
	DeliveredTo map[string]time.Time `mapstructure:"delivered_to"`
	SeenBy      map[string]time.Time `mapstructure:"seen_by"`
	PlayDone    bool                 `mapstructure:"play_done"`
}

// StateOf extracts the embedded receipt state from an event body.
// Bodies without state, or with unreadable state, yield an empty EventState.
func StateOf(body map[string]any) EventState {
	src := body
	if nested, ok := body["state"].(map[string]any); ok {
		src = nested
	}
	var st EventState
	if err := decode(src, &st); err != nil {
		return EventState{}
	}
	return st
}

// SeenByAny reports whether any of the member ids appears in SeenBy.
func (s EventState) SeenByAny(memberIDs []string) bool {
	for _, id := range memberIDs {
		if _, ok := s.SeenBy[id]; ok {
			return true
		}
	}
	return false
}

// DeliveredToAny reports whether any of the member ids appears in DeliveredTo.
func (s EventState) DeliveredToAny(memberIDs []string) bool {
	for _, id := range memberIDs {
		if _, ok := s.DeliveredTo[id]; ok {
			return true
		}
	}
	return false
}
