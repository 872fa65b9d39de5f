package engine

// State is the engine's position in the synchronization lifecycle.
type State int32

const (
	// StateInactive is steady state: inbound events are applied as they
	// arrive.
	StateInactive State = iota
	StateSyncingConversations
	StateSyncingMembers
	StateSyncingEvents
	StateSyncingUsers
	// StateFailed is terminal until Reconnect.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateSyncingConversations:
		return "syncing-conversations"
	case StateSyncingMembers:
		return "syncing-members"
	case StateSyncingEvents:
		return "syncing-events"
	case StateSyncingUsers:
		return "syncing-users"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Syncing reports whether s is one of the full-sync states.
func (s State) Syncing() bool {
	return s >= StateSyncingConversations && s <= StateSyncingUsers
}
