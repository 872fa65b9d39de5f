package model

import "time"

// Conversation is the local mirror of one server conversation.
type Conversation struct {
	UUID        string
	Name        string
	DisplayName string

	// SequenceNumber is the latest server event index seen in a preview.
	SequenceNumber int64
	// MostRecentEventIndex is the id of the last event applied locally and
	// the resume point for backfills.
	MostRecentEventIndex int64

	// DataIncomplete is set until the first full per-conversation sync.
	DataIncomplete bool
	// RequiresSync marks the conversation dirty for resync.
	RequiresSync bool

	Created     time.Time
	LastUpdated time.Time
}

// Dirty reports whether the conversation must be synced before it can be
// trusted.
func (c Conversation) Dirty() bool {
	return c.DataIncomplete || c.RequiresSync
}
