// Package remote declares the conversation service operations the engine
// and the task queue consume. Transports implement Client; this module
// ships none.
package remote

import (
	"context"
	"time"

	"github.com/roach88/convsync/internal/protocol"
)

// ConversationPreview is one entry of the user's conversation list.
type ConversationPreview struct {
	UUID           string
	Name           string
	SequenceNumber int64
	MemberUUID     string
	State          string
}

// MemberRecord is a member as described by the conversation detail.
type MemberRecord struct {
	UUID       string
	UserUUID   string
	Name       string
	State      string
	InvitedBy  string
	Timestamps map[string]time.Time
	Media      *protocol.MediaBody
}

// ConversationDetail is the full description of one conversation.
type ConversationDetail struct {
	UUID           string
	Name           string
	DisplayName    string
	SequenceNumber int64
	Created        time.Time
	Members        []MemberRecord
}

// UserRecord is a user as returned by the service.
type UserRecord struct {
	UUID        string
	Name        string
	DisplayName string
	ImageURL    string
}

// EventAck acknowledges an accepted send.
type EventAck struct {
	ID        string
	Timestamp time.Time
}

// Client is the request/response collaborator.
type Client interface {
	FetchConversationsForUser(ctx context.Context, userUUID string) ([]ConversationPreview, error)
	FetchConversationDetail(ctx context.Context, uuid string) (ConversationDetail, error)
	// FetchEvents returns events with id > fromExclusive in ascending order.
	FetchEvents(ctx context.Context, conversationUUID string, fromExclusive int64) ([]protocol.Envelope, error)
	SendEvent(ctx context.Context, payload protocol.SendPayload) (EventAck, error)
	DeleteEvent(ctx context.Context, eventID, memberUUID, conversationUUID string) (protocol.Envelope, error)
	FetchUser(ctx context.Context, uuid string) (UserRecord, error)

	Invite(ctx context.Context, conversationUUID, userName string, withAudio bool) error
	Join(ctx context.Context, conversationUUID, userUUID string) error
	Kick(ctx context.Context, conversationUUID, memberUUID string) error
}

// Downloader fetches attachment bytes by URL.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}
