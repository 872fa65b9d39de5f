package testutil

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
)

// FakeRemote is an in-memory conversation service. Every accepted send,
// delete and membership change is appended to the conversation's event
// log with the next id, so tests can feed the echoes back to the engine.
//
// Failures are injected per operation with FailNext; sends can be held
// with HoldSends to order acknowledgements against echoes.
type FakeRemote struct {
	mu            sync.Mutex
	clock         model.Clock
	conversations map[string]*fakeConversation
	users         map[string]remote.UserRecord
	failures      map[string][]error
	calls         map[string]int
	sent          []protocol.SendPayload
	hold          chan struct{}
}

type fakeConversation struct {
	detail remote.ConversationDetail
	events []protocol.Envelope
}

// Operation names accepted by FailNext and Calls.
const (
	OpFetchConversations = "FetchConversationsForUser"
	OpFetchDetail        = "FetchConversationDetail"
	OpFetchEvents        = "FetchEvents"
	OpSendEvent          = "SendEvent"
	OpDeleteEvent        = "DeleteEvent"
	OpFetchUser          = "FetchUser"
	OpInvite             = "Invite"
	OpJoin               = "Join"
	OpKick               = "Kick"
)

var _ remote.Client = (*FakeRemote)(nil)

// NewFakeRemote creates an empty service stamping events with clock.
func NewFakeRemote(clock model.Clock) *FakeRemote {
	if clock == nil {
		clock = NewDeterministicClock()
	}
	return &FakeRemote{
		clock:         clock,
		conversations: make(map[string]*fakeConversation),
		users:         make(map[string]remote.UserRecord),
		failures:      make(map[string][]error),
		calls:         make(map[string]int),
	}
}

// AddUser registers a user.
func (f *FakeRemote) AddUser(u remote.UserRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UUID] = u
}

// AddConversation registers a conversation. Its sequence number follows the
// event log.
func (f *FakeRemote) AddConversation(d remote.ConversationDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[d.UUID] = &fakeConversation{detail: d}
}

// RemoveConversation makes every later lookup of uuid fail with not-found.
func (f *FakeRemote) RemoveConversation(uuid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conversations, uuid)
}

// SetMembers replaces the member list of a conversation.
func (f *FakeRemote) SetMembers(conversationUUID string, members ...remote.MemberRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conversations[conversationUUID]; ok {
		c.detail.Members = members
	}
}

// Append adds env to its conversation's log. An empty id gets the next one.
// Returns the stored envelope.
func (f *FakeRemote) Append(env protocol.Envelope) protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(env)
}

func (f *FakeRemote) appendLocked(env protocol.Envelope) protocol.Envelope {
	c, ok := f.conversations[env.CID]
	if !ok {
		c = &fakeConversation{detail: remote.ConversationDetail{UUID: env.CID, Name: env.CID}}
		f.conversations[env.CID] = c
	}
	if env.ID == "" {
		env.ID = protocol.FormatID(c.detail.SequenceNumber + 1)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = f.clock.Now()
	}
	if env.Body == nil {
		env.Body = map[string]any{}
	}
	if n := env.Index(); n > c.detail.SequenceNumber {
		c.detail.SequenceNumber = n
	}
	c.events = append(c.events, env)
	return env
}

// Events returns a copy of a conversation's log.
func (f *FakeRemote) Events(conversationUUID string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationUUID]
	if !ok {
		return nil
	}
	return slices.Clone(c.events)
}

// Sent returns every payload accepted by SendEvent.
func (f *FakeRemote) Sent() []protocol.SendPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

// FailNext makes the next call of op return err. Calls queue up.
func (f *FakeRemote) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Calls returns how many times op was invoked.
func (f *FakeRemote) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// HoldSends blocks SendEvent until the returned release func is called.
func (f *FakeRemote) HoldSends() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hold := make(chan struct{})
	f.hold = hold
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.hold == hold {
				f.hold = nil
			}
			f.mu.Unlock()
			close(hold)
		})
	}
}

// begin records a call and pops an injected failure.
func (f *FakeRemote) begin(op string) error {
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func notFound(op, what string) error {
	return remote.NewError(remote.KindNotFound, op, fmt.Errorf("%s not found", what))
}

func (f *FakeRemote) FetchConversationsForUser(ctx context.Context, userUUID string) ([]remote.ConversationPreview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpFetchConversations); err != nil {
		return nil, err
	}

	var out []remote.ConversationPreview
	for _, c := range f.conversations {
		for _, m := range c.detail.Members {
			if m.UserUUID != userUUID {
				continue
			}
			out = append(out, remote.ConversationPreview{
				UUID:           c.detail.UUID,
				Name:           c.detail.Name,
				SequenceNumber: c.detail.SequenceNumber,
				MemberUUID:     m.UUID,
				State:          m.State,
			})
			break
		}
	}
	slices.SortFunc(out, func(a, b remote.ConversationPreview) int { return strings.Compare(a.UUID, b.UUID) })
	return out, nil
}

func (f *FakeRemote) FetchConversationDetail(ctx context.Context, uuid string) (remote.ConversationDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpFetchDetail); err != nil {
		return remote.ConversationDetail{}, err
	}
	c, ok := f.conversations[uuid]
	if !ok {
		return remote.ConversationDetail{}, notFound(OpFetchDetail, "conversation "+uuid)
	}
	d := c.detail
	d.Members = slices.Clone(d.Members)
	return d, nil
}

func (f *FakeRemote) FetchEvents(ctx context.Context, conversationUUID string, fromExclusive int64) ([]protocol.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpFetchEvents); err != nil {
		return nil, err
	}
	c, ok := f.conversations[conversationUUID]
	if !ok {
		return nil, notFound(OpFetchEvents, "conversation "+conversationUUID)
	}
	var out []protocol.Envelope
	for _, env := range c.events {
		if env.Index() > fromExclusive {
			out = append(out, env)
		}
	}
	slices.SortStableFunc(out, func(a, b protocol.Envelope) int { return protocol.CompareIDs(a.ID, b.ID) })
	return out, nil
}

func (f *FakeRemote) SendEvent(ctx context.Context, payload protocol.SendPayload) (remote.EventAck, error) {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return remote.EventAck{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpSendEvent); err != nil {
		return remote.EventAck{}, err
	}
	if _, ok := f.conversations[payload.ConversationID]; !ok {
		return remote.EventAck{}, notFound(OpSendEvent, "conversation "+payload.ConversationID)
	}
	f.sent = append(f.sent, payload)
	env := f.appendLocked(protocol.Envelope{
		CID:  payload.ConversationID,
		From: payload.From,
		Type: payload.Type,
		Body: payload.Body,
	})
	return remote.EventAck{ID: env.ID, Timestamp: env.Timestamp}, nil
}

func (f *FakeRemote) DeleteEvent(ctx context.Context, eventID, memberUUID, conversationUUID string) (protocol.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpDeleteEvent); err != nil {
		return protocol.Envelope{}, err
	}
	c, ok := f.conversations[conversationUUID]
	if !ok {
		return protocol.Envelope{}, notFound(OpDeleteEvent, "conversation "+conversationUUID)
	}
	i := slices.IndexFunc(c.events, func(e protocol.Envelope) bool { return e.ID == eventID })
	if i < 0 {
		return protocol.Envelope{}, notFound(OpDeleteEvent, "event "+eventID)
	}
	c.events[i].Body = map[string]any{}
	return f.appendLocked(protocol.Envelope{
		CID:  conversationUUID,
		From: memberUUID,
		Type: protocol.TypeEventDelete,
		Body: map[string]any{"event_id": eventID},
	}), nil
}

func (f *FakeRemote) FetchUser(ctx context.Context, uuid string) (remote.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpFetchUser); err != nil {
		return remote.UserRecord{}, err
	}
	u, ok := f.users[uuid]
	if !ok {
		return remote.UserRecord{}, notFound(OpFetchUser, "user "+uuid)
	}
	return u, nil
}

func (f *FakeRemote) Invite(ctx context.Context, conversationUUID, userName string, withAudio bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpInvite); err != nil {
		return err
	}
	c, ok := f.conversations[conversationUUID]
	if !ok {
		return notFound(OpInvite, "conversation "+conversationUUID)
	}
	var user remote.UserRecord
	for _, u := range f.users {
		if u.Name == userName {
			user = u
		}
	}
	if user.UUID == "" {
		return notFound(OpInvite, "user "+userName)
	}
	m := remote.MemberRecord{
		UUID:     fmt.Sprintf("MEM-%s-%d", user.UUID, len(c.detail.Members)+1),
		UserUUID: user.UUID,
		Name:     user.Name,
		State:    "INVITED",
	}
	c.detail.Members = append(c.detail.Members, m)
	body := map[string]any{"user": map[string]any{"id": user.UUID, "name": user.Name}}
	if withAudio {
		body["user"].(map[string]any)["media"] = map[string]any{"audio": true}
	}
	f.appendLocked(protocol.Envelope{CID: conversationUUID, From: m.UUID, Type: protocol.TypeMemberInvited, Body: body})
	return nil
}

func (f *FakeRemote) Join(ctx context.Context, conversationUUID, userUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpJoin); err != nil {
		return err
	}
	c, ok := f.conversations[conversationUUID]
	if !ok {
		return notFound(OpJoin, "conversation "+conversationUUID)
	}
	m := remote.MemberRecord{
		UUID:     fmt.Sprintf("MEM-%s-%d", userUUID, len(c.detail.Members)+1),
		UserUUID: userUUID,
		Name:     f.users[userUUID].Name,
		State:    "JOINED",
	}
	c.detail.Members = append(c.detail.Members, m)
	f.appendLocked(protocol.Envelope{
		CID:  conversationUUID,
		From: m.UUID,
		Type: protocol.TypeMemberJoined,
		Body: map[string]any{"user": map[string]any{"id": userUUID, "name": m.Name}},
	})
	return nil
}

func (f *FakeRemote) Kick(ctx context.Context, conversationUUID, memberUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpKick); err != nil {
		return err
	}
	c, ok := f.conversations[conversationUUID]
	if !ok {
		return notFound(OpKick, "conversation "+conversationUUID)
	}
	i := slices.IndexFunc(c.detail.Members, func(m remote.MemberRecord) bool { return m.UUID == memberUUID })
	if i < 0 {
		return notFound(OpKick, "member "+memberUUID)
	}
	c.detail.Members[i].State = "LEFT"
	f.appendLocked(protocol.Envelope{
		CID:  conversationUUID,
		From: memberUUID,
		Type: protocol.TypeMemberLeft,
		Body: map[string]any{"user": map[string]any{"id": c.detail.Members[i].UserUUID}},
	})
	return nil
}
