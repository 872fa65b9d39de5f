// Package notify carries change notifications from the engine and the task
// queue to any number of subscribers.
//
// Notifications are grouped in batches. Everything derived from one sync
// unit arrives in one Batch, so subscribers never observe half of a
// reconciliation.
package notify

import (
	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/protocol"
)

// Notification is one change. The set of implementations is closed.
type Notification interface {
	Kind() string
	notification()
}

// coalescer is implemented by notifications that are meaningful once per
// batch (e.g. "conversation modified").
type coalescer interface {
	coalesceKey() string
}

// InsertReason explains why a conversation appeared.
type InsertReason string

const (
	ReasonNew       InsertReason = "new"
	ReasonInvited   InsertReason = "invited"
	ReasonInvitedBy InsertReason = "invited-by"
)

type ConversationInserted struct {
	Conversation string
	Reason       InsertReason
	// InvitedBy is the inviting member for ReasonInvitedBy.
	InvitedBy string
	// Media is set when the invite asked for audio.
	Media *model.Media
}

type ConversationModified struct{ Conversation string }

// ConversationUpdated signals that lastUpdated moved because of new activity.
type ConversationUpdated struct{ Conversation string }

// ConversationRemoved signals a conversation dropped because the server no
// longer knows it.
type ConversationRemoved struct{ Conversation string }

type MemberAdded struct{ Conversation, Member string }

type MemberInvited struct {
	Conversation, Member string
	InvitedBy            string
}

type MemberJoined struct{ Conversation, Member string }

type MemberLeft struct{ Conversation, Member string }

type MembersChanged struct{ Conversation string }

type EventInserted struct {
	Conversation, Event string
	Draft               bool
}

// EventSent fires exactly once per draft, when its server echo was applied.
type EventSent struct {
	Conversation string
	Draft        string
	Event        string
}

type EventDeleted struct{ Conversation, Event string }

type EventsRefreshed struct{ Conversation string }

type ReceiptChanged struct {
	Conversation, Event, Member string
	State                       model.ReceiptState
}

type Typing struct {
	Conversation, Member string
	On                   bool
}

// Signal routes call-setup and audio events; they are never persisted.
type Signal struct {
	Conversation string
	Member       string
	Type         protocol.EventType
	Body         map[string]any
}

type StateChanged struct {
	State string
	// Reason is the error that caused a transition to failed.
	Reason string
}

type SessionInvalid struct{}

type TaskExhausted struct {
	Task    int64
	Type    model.TaskType
	Related string
}

type UserSynced struct{ User string }

func (ConversationInserted) Kind() string { return "conversation-inserted" }
func (ConversationModified) Kind() string { return "conversation-modified" }
func (ConversationUpdated) Kind() string  { return "conversation-updated" }
func (ConversationRemoved) Kind() string  { return "conversation-removed" }
func (MemberAdded) Kind() string          { return "member-added" }
func (MemberInvited) Kind() string        { return "member-invited" }
func (MemberJoined) Kind() string         { return "member-joined" }
func (MemberLeft) Kind() string           { return "member-left" }
func (MembersChanged) Kind() string       { return "members-changed" }
func (EventInserted) Kind() string        { return "event-inserted" }
func (EventSent) Kind() string            { return "event-sent" }
func (EventDeleted) Kind() string         { return "event-deleted" }
func (EventsRefreshed) Kind() string      { return "events-refreshed" }
func (ReceiptChanged) Kind() string       { return "receipt-changed" }
func (Typing) Kind() string               { return "typing" }
func (Signal) Kind() string               { return "signal" }
func (StateChanged) Kind() string         { return "state-changed" }
func (SessionInvalid) Kind() string       { return "session-invalid" }
func (TaskExhausted) Kind() string        { return "task-exhausted" }
func (UserSynced) Kind() string           { return "user-synced" }

func (ConversationInserted) notification() {}
func (ConversationModified) notification() {}
func (ConversationUpdated) notification()  {}
func (ConversationRemoved) notification()  {}
func (MemberAdded) notification()          {}
func (MemberInvited) notification()        {}
func (MemberJoined) notification()         {}
func (MemberLeft) notification()           {}
func (MembersChanged) notification()       {}
func (EventInserted) notification()        {}
func (EventSent) notification()            {}
func (EventDeleted) notification()         {}
func (EventsRefreshed) notification()      {}
func (ReceiptChanged) notification()       {}
func (Typing) notification()               {}
func (Signal) notification()               {}
func (StateChanged) notification()         {}
func (SessionInvalid) notification()       {}
func (TaskExhausted) notification()        {}
func (UserSynced) notification()           {}

func (n ConversationModified) coalesceKey() string { return n.Kind() + "/" + n.Conversation }
func (n ConversationUpdated) coalesceKey() string  { return n.Kind() + "/" + n.Conversation }
func (n MembersChanged) coalesceKey() string       { return n.Kind() + "/" + n.Conversation }
func (n EventsRefreshed) coalesceKey() string      { return n.Kind() + "/" + n.Conversation }
