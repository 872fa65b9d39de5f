package engine

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/store"
)

// invite describes the member:invited event that made us discover a
// conversation.
type invite struct {
	by    string // inviter's user name
	media *model.Media
}

func inviteOf(body protocol.MemberBody) *invite {
	return &invite{by: body.InvitedBy, media: mediaOf(body.User.Media)}
}

// mediaOf returns nil unless audio was requested.
func mediaOf(b *protocol.MediaBody) *model.Media {
	if b == nil || !b.Audio {
		return nil
	}
	m := &model.Media{AudioEnabled: true}
	if s := b.AudioSettings; s != nil {
		m.Muted = s.Muted
		m.Earmuffed = s.Earmuffed
	}
	return m
}

// fullSync reconciles every conversation of the user with the server.
// The task queue is paused for the duration.
func (e *Engine) fullSync(ctx context.Context) error {
	e.queue.Pause()
	defer e.queue.Resume()

	e.setState(StateSyncingConversations, "")
	previews, err := e.remote.FetchConversationsForUser(ctx, e.user)
	if err != nil {
		return requestFailed("fetch conversations", "", err)
	}

	var fresh []string
	for _, p := range previews {
		if _, gone := e.failed[p.UUID]; gone {
			continue
		}
		c, err := e.repo.Conversation(ctx, p.UUID)
		switch {
		case store.IsNotFound(err):
			fresh = append(fresh, p.UUID)
		case err != nil:
			return storeFailed("load conversation", p.UUID, err)
		case c.SequenceNumber < p.SequenceNumber && !c.RequiresSync:
			c.RequiresSync = true
			if err := e.repo.SaveConversation(ctx, c); err != nil {
				return storeFailed("mark conversation dirty", p.UUID, err)
			}
		}
	}

	// Dirty conversations include the ones just marked and any left over
	// from an interrupted session.
	dirty, err := e.repo.DirtyConversations(ctx)
	if err != nil {
		return storeFailed("list dirty conversations", "", err)
	}
	e.logger.Info("syncing conversations", "previews", len(previews), "dirty", len(dirty), "new", len(fresh))

	for _, c := range dirty {
		if _, gone := e.failed[c.UUID]; gone {
			continue
		}
		if err := e.syncConversation(ctx, c.UUID, nil); err != nil {
			return err
		}
	}
	for _, uuid := range fresh {
		if err := e.syncConversation(ctx, uuid, nil); err != nil {
			return err
		}
	}

	e.setState(StateSyncingUsers, "")
	if _, err := e.syncUser(ctx, e.user); err != nil {
		if !remote.IsNotFound(err) {
			return err
		}
		e.logger.Warn("own user not found", "user", e.user)
	}
	for _, r := range e.inbox.TakeUsers() {
		e.serveUser(ctx, r)
	}
	return nil
}

// syncConversation brings one conversation in line with the server:
// detail, members, users of members, then events after the last applied
// index. Notifications are published as one batch once everything
// succeeded. inv is set when a member:invited event led us here.
func (e *Engine) syncConversation(ctx context.Context, uuid string, inv *invite) error {
	detail, err := e.remote.FetchConversationDetail(ctx, uuid)
	if remote.IsNotFound(err) {
		return e.dropConversation(ctx, uuid)
	}
	if err != nil {
		return requestFailed("fetch conversation", uuid, err)
	}

	conv, err := e.repo.Conversation(ctx, uuid)
	known := err == nil
	if err != nil && !store.IsNotFound(err) {
		return storeFailed("load conversation", uuid, err)
	}
	isNew := !known || conv.DataIncomplete
	if !known {
		conv = model.Conversation{
			UUID:           uuid,
			DataIncomplete: true,
			Created:        detail.Created,
			LastUpdated:    detail.Created,
		}
	}
	conv.Name = protocol.NormalizeText(detail.Name)
	conv.DisplayName = protocol.NormalizeText(detail.DisplayName)
	conv.SequenceNumber = max(conv.SequenceNumber, detail.SequenceNumber)
	if !known {
		// Members and events reference the conversation row.
		if err := e.repo.SaveConversation(ctx, conv); err != nil {
			return storeFailed("insert conversation", uuid, err)
		}
	}

	var buf notify.Buffer

	// Live backfills and resyncs leave the state alone.
	full := e.State().Syncing()
	if full {
		e.setState(StateSyncingMembers, "")
	}
	if err := e.syncMembers(ctx, uuid, detail.Members, &buf); err != nil {
		return err
	}

	if full {
		e.setState(StateSyncingEvents, "")
	}
	applied, err := e.syncEvents(ctx, &conv, &buf)
	if err != nil {
		return err
	}

	conv.DataIncomplete = false
	conv.RequiresSync = false
	if err := e.repo.SaveConversation(ctx, conv); err != nil {
		return storeFailed("save conversation", uuid, err)
	}

	if isNew {
		buf.Add(e.inserted(ctx, conv.UUID, detail.Members, inv))
	} else {
		buf.Add(notify.ConversationModified{Conversation: uuid})
	}
	if applied > 0 {
		e.repo.RefreshEvents(uuid)
		buf.Add(notify.EventsRefreshed{Conversation: uuid})
	}

	e.logger.Debug("conversation synced",
		"conversation", uuid,
		"new", isNew,
		"events", applied,
		"index", conv.MostRecentEventIndex,
	)
	e.hub.Flush(&buf)
	return nil
}

// dropConversation forgets a conversation the server no longer knows and
// keeps it out of later syncs of this session.
func (e *Engine) dropConversation(ctx context.Context, uuid string) error {
	e.logger.Warn("conversation not found on server, removing", "conversation", uuid)
	e.failed[uuid] = struct{}{}

	_, err := e.repo.Conversation(ctx, uuid)
	if store.IsNotFound(err) {
		return nil
	}
	if err := e.repo.DeleteConversation(ctx, uuid); err != nil {
		return storeFailed("delete conversation", uuid, err)
	}
	e.hub.Publish(notify.ConversationRemoved{Conversation: uuid})
	return nil
}

// syncMembers diffs the server's member list against the store. Rows are
// written only when something changed, and states only move forward.
func (e *Engine) syncMembers(ctx context.Context, conversation string, records []remote.MemberRecord, buf *notify.Buffer) error {
	changed := false
	for _, rec := range records {
		if err := e.ensureUser(ctx, rec.UserUUID); err != nil {
			return err
		}

		next := memberFromRecord(conversation, rec)
		local, err := e.repo.Member(ctx, rec.UUID)
		if store.IsNotFound(err) {
			if err := e.repo.SaveMember(ctx, next); err != nil {
				return storeFailed("insert member", conversation, err)
			}
			buf.Add(notify.MemberAdded{Conversation: conversation, Member: next.UUID})
			if next.State == model.MemberInvited {
				buf.Add(notify.MemberInvited{Conversation: conversation, Member: next.UUID, InvitedBy: next.InvitedBy})
			}
			changed = true
			continue
		}
		if err != nil {
			return storeFailed("load member", conversation, err)
		}

		merged := mergeMember(local, next)
		if merged.Equal(local) {
			continue
		}
		if err := e.repo.SaveMember(ctx, merged); err != nil {
			return storeFailed("update member", conversation, err)
		}
		if merged.State != local.State {
			if n := memberNotification(merged); n != nil {
				buf.Add(n)
			}
		}
		changed = true
	}
	if changed {
		buf.Add(notify.MembersChanged{Conversation: conversation})
	}
	return nil
}

func memberFromRecord(conversation string, rec remote.MemberRecord) model.Member {
	m := model.Member{
		UUID:             rec.UUID,
		ConversationUUID: conversation,
		UserUUID:         rec.UserUUID,
		State:            model.ParseMemberState(rec.State),
		InvitedBy:        rec.InvitedBy,
	}
	if len(rec.Timestamps) > 0 {
		m.Timestamps = make(map[model.MemberState]time.Time, len(rec.Timestamps))
		for k, v := range rec.Timestamps {
			if s := model.ParseMemberState(k); s != model.MemberUnknown {
				m.Timestamps[s] = v
			}
		}
	}
	if media := mediaOf(rec.Media); media != nil {
		m.Media = *media
	}
	return m
}

// mergeMember applies the server's view of a member on top of the local
// row without letting the state regress.
func mergeMember(local, next model.Member) model.Member {
	merged := local
	merged.Timestamps = maps.Clone(local.Timestamps)
	if next.State != model.MemberUnknown && merged.Advance(next.State, time.Time{}) != nil {
		merged.State = local.State
	}
	for k, v := range next.Timestamps {
		if merged.Timestamps == nil {
			merged.Timestamps = make(map[model.MemberState]time.Time)
		}
		if _, ok := merged.Timestamps[k]; !ok {
			merged.Timestamps[k] = v
		}
	}
	if merged.InvitedBy == "" {
		merged.InvitedBy = next.InvitedBy
	}
	merged.Media = next.Media
	return merged
}

func memberNotification(m model.Member) notify.Notification {
	switch m.State {
	case model.MemberJoined:
		return notify.MemberJoined{Conversation: m.ConversationUUID, Member: m.UUID}
	case model.MemberLeft:
		return notify.MemberLeft{Conversation: m.ConversationUUID, Member: m.UUID}
	case model.MemberInvited:
		return notify.MemberInvited{Conversation: m.ConversationUUID, Member: m.UUID, InvitedBy: m.InvitedBy}
	}
	return nil
}

// syncEvents fetches and applies every event after the last applied index.
// Returns how many were applied.
func (e *Engine) syncEvents(ctx context.Context, conv *model.Conversation, buf *notify.Buffer) (int, error) {
	envs, err := e.remote.FetchEvents(ctx, conv.UUID, conv.MostRecentEventIndex)
	if err != nil {
		return 0, requestFailed("fetch events", conv.UUID, err)
	}

	applied := 0
	for _, env := range envs {
		if env.CID == "" {
			env.CID = conv.UUID
		}
		if env.Index() <= conv.MostRecentEventIndex {
			e.metrics.EventSkipped()
			continue
		}
		if err := e.apply(ctx, conv, env, buf, false); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// inserted picks the reason a conversation appeared.
func (e *Engine) inserted(ctx context.Context, conversation string, records []remote.MemberRecord, inv *invite) notify.ConversationInserted {
	byName := func(name string) (remote.MemberRecord, bool) {
		if name == "" {
			return remote.MemberRecord{}, false
		}
		for _, r := range records {
			if strings.EqualFold(r.Name, name) {
				return r, true
			}
		}
		return remote.MemberRecord{}, false
	}

	n := notify.ConversationInserted{Conversation: conversation, Reason: notify.ReasonNew}
	if inv != nil {
		if by, ok := byName(inv.by); ok {
			n.Reason = notify.ReasonInvitedBy
			n.InvitedBy = by.UUID
			n.Media = inv.media
			return n
		}
	}

	ours, err := e.repo.OurMember(ctx, conversation, e.user)
	if err != nil || ours.State != model.MemberInvited {
		return n
	}
	n.Reason = notify.ReasonInvited
	if by, ok := byName(ours.InvitedBy); ok {
		n.Reason = notify.ReasonInvitedBy
		n.InvitedBy = by.UUID
		if inv != nil {
			n.Media = inv.media
		}
	}
	return n
}

// ensureUser fetches a user the store has not seen yet. Users the server
// does not know are skipped.
func (e *Engine) ensureUser(ctx context.Context, uuid string) error {
	if uuid == "" {
		return nil
	}
	_, err := e.repo.User(ctx, uuid)
	if err == nil {
		return nil
	}
	if !store.IsNotFound(err) {
		return storeFailed("load user", "", err)
	}
	if _, err := e.syncUser(ctx, uuid); err != nil {
		if remote.IsNotFound(err) {
			e.logger.Warn("member user not found", "user", uuid)
			return nil
		}
		return err
	}
	return nil
}

// syncUser fetches a user record and stores it.
func (e *Engine) syncUser(ctx context.Context, uuid string) (model.User, error) {
	rec, err := e.remote.FetchUser(ctx, uuid)
	if err != nil {
		if remote.IsNotFound(err) {
			return model.User{}, err
		}
		return model.User{}, requestFailed("fetch user", "", err)
	}
	u := model.User{
		UUID:        rec.UUID,
		Name:        protocol.NormalizeText(rec.Name),
		DisplayName: protocol.NormalizeText(rec.DisplayName),
		ImageURL:    rec.ImageURL,
	}
	if err := e.repo.SaveUser(ctx, u); err != nil {
		return model.User{}, storeFailed("save user", "", err)
	}
	return u, nil
}
