package engine

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/store"
	"github.com/roach88/convsync/internal/taskqueue"
)

// receive applies one envelope from the push channel.
func (e *Engine) receive(ctx context.Context, env protocol.Envelope) error {
	// Typing and other transient signals carry no id and are never stored.
	if env.ID == "" {
		var buf notify.Buffer
		e.transient(env, &buf)
		e.hub.Flush(&buf)
		return nil
	}

	conv, err := e.repo.Conversation(ctx, env.CID)
	if store.IsNotFound(err) {
		return e.unknownConversation(ctx, env)
	}
	if err != nil {
		return storeFailed("load conversation", env.CID, err)
	}

	idx := env.Index()
	switch {
	case idx <= conv.MostRecentEventIndex:
		e.metrics.EventSkipped()
		e.logger.Debug("skipping applied event", "conversation", conv.UUID, "id", env.ID, "index", conv.MostRecentEventIndex)
		return nil
	case idx > conv.MostRecentEventIndex+1:
		// Earlier events are missing; the backfill applies this one too.
		e.metrics.Backfill()
		e.logger.Info("event gap, backfilling", "conversation", conv.UUID, "id", env.ID, "index", conv.MostRecentEventIndex)
		return e.syncConversation(ctx, conv.UUID, nil)
	}

	var buf notify.Buffer
	if err := e.apply(ctx, &conv, env, &buf, true); err != nil {
		return err
	}
	if err := e.repo.SaveConversation(ctx, conv); err != nil {
		return storeFailed("save conversation", conv.UUID, err)
	}
	e.hub.Flush(&buf)

	if conv.RequiresSync {
		return e.syncConversation(ctx, conv.UUID, nil)
	}
	return nil
}

// unknownConversation handles an event for a conversation we have no row
// for. Membership events bring the conversation in; anything else is
// ignored until a full sync finds it.
func (e *Engine) unknownConversation(ctx context.Context, env protocol.Envelope) error {
	if _, gone := e.failed[env.CID]; gone {
		return nil
	}
	switch env.Type {
	case protocol.TypeMemberInvited:
		body, err := env.MemberBody()
		if err != nil {
			return malformed("decode member body", env.CID, err)
		}
		return e.syncConversation(ctx, env.CID, inviteOf(body))
	case protocol.TypeMemberJoined:
		return e.syncConversation(ctx, env.CID, nil)
	}
	e.logger.Debug("event for unknown conversation ignored", "conversation", env.CID, "type", env.Type)
	return nil
}

// apply is the shared handler for pushed and backfilled events. It mutates
// conv in memory; the caller persists it. live is false during backfill,
// where transient notifications are stale and suppressed.
func (e *Engine) apply(ctx context.Context, conv *model.Conversation, env protocol.Envelope, buf *notify.Buffer, live bool) error {
	var err error
	switch env.Type.Kind() {
	case protocol.KindMembership:
		err = e.applyMember(ctx, conv, env, buf, live)
	case protocol.KindMessage:
		err = e.applyMessage(ctx, conv, env, buf)
	case protocol.KindReceipt:
		err = e.applyReceipt(ctx, conv, env, buf)
	case protocol.KindDelete:
		err = e.applyDelete(ctx, conv, env, buf)
	case protocol.KindTyping, protocol.KindSignal:
		if live {
			e.transient(env, buf)
		}
	case protocol.KindUnknown:
		e.logger.Debug("ignoring unknown event type", "conversation", conv.UUID, "type", env.Type)
	}
	if err != nil {
		return err
	}

	if idx := env.Index(); idx > conv.MostRecentEventIndex {
		conv.MostRecentEventIndex = idx
		conv.SequenceNumber = max(conv.SequenceNumber, idx)
	}
	return nil
}

func (e *Engine) transient(env protocol.Envelope, buf *notify.Buffer) {
	switch env.Type.Kind() {
	case protocol.KindTyping:
		buf.Add(notify.Typing{
			Conversation: env.CID,
			Member:       env.From,
			On:           env.Type == protocol.TypeTextTypingOn,
		})
	case protocol.KindSignal:
		buf.Add(notify.Signal{
			Conversation: env.CID,
			Member:       env.From,
			Type:         env.Type,
			Body:         env.Body,
		})
	default:
		e.logger.Debug("ignoring event without id", "conversation", env.CID, "type", env.Type)
	}
}

func memberStateOf(t protocol.EventType) model.MemberState {
	switch t {
	case protocol.TypeMemberInvited:
		return model.MemberInvited
	case protocol.TypeMemberJoined:
		return model.MemberJoined
	case protocol.TypeMemberLeft:
		return model.MemberLeft
	}
	return model.MemberUnknown
}

// applyMember records a membership change. Pushed membership events also
// mark the conversation for resync so the member list is confirmed against
// the server.
func (e *Engine) applyMember(ctx context.Context, conv *model.Conversation, env protocol.Envelope, buf *notify.Buffer, live bool) error {
	body, err := env.MemberBody()
	if err != nil {
		return malformed("decode member body", conv.UUID, err)
	}
	if live {
		conv.RequiresSync = true
	}

	if err := e.repo.SaveEvent(ctx, model.EventFromEnvelope(env)); err != nil {
		return storeFailed("save member event", conv.UUID, err)
	}

	memberUUID := body.User.MemberID
	if memberUUID == "" {
		memberUUID = env.From
	}
	state := memberStateOf(env.Type)

	m, err := e.repo.Member(ctx, memberUUID)
	switch {
	case store.IsNotFound(err):
		if live && state == model.MemberJoined {
			// Unknown member joined: the resync brings the full record.
			return nil
		}
		m = model.Member{
			UUID:             memberUUID,
			ConversationUUID: conv.UUID,
			UserUUID:         body.User.ID,
			State:            state,
			InvitedBy:        body.InvitedBy,
			Timestamps:       map[model.MemberState]time.Time{state: env.Timestamp},
		}
		if media := mediaOf(body.User.Media); media != nil {
			m.Media = *media
		}
		if err := e.rememberUser(ctx, body.User); err != nil {
			return err
		}
		if err := e.repo.SaveMember(ctx, m); err != nil {
			return storeFailed("insert member", conv.UUID, err)
		}
		buf.Add(notify.MemberAdded{Conversation: conv.UUID, Member: m.UUID})
	case err != nil:
		return storeFailed("load member", conv.UUID, err)
	default:
		prev := m.State
		m.Timestamps = maps.Clone(m.Timestamps)
		if err := m.Advance(state, env.Timestamp); err != nil {
			e.logger.Debug("stale membership event", "conversation", conv.UUID, "member", m.UUID, "error", err)
			return nil
		}
		if err := e.repo.SaveMember(ctx, m); err != nil {
			return storeFailed("update member", conv.UUID, err)
		}
		if prev == m.State {
			return nil
		}
	}

	if n := memberNotification(m); n != nil {
		buf.Add(n)
	}
	buf.Add(notify.MembersChanged{Conversation: conv.UUID})
	return nil
}

// rememberUser stores the user section of a membership event if the user
// is not known yet.
func (e *Engine) rememberUser(ctx context.Context, u protocol.MemberUser) error {
	if u.ID == "" {
		return nil
	}
	_, err := e.repo.User(ctx, u.ID)
	if err == nil {
		return nil
	}
	if !store.IsNotFound(err) {
		return storeFailed("load user", "", err)
	}
	if err := e.repo.SaveUser(ctx, model.User{
		UUID:        u.ID,
		Name:        protocol.NormalizeText(u.Name),
		DisplayName: protocol.NormalizeText(u.DisplayName),
	}); err != nil {
		return storeFailed("save user", "", err)
	}
	return nil
}

// applyMessage stores a message-bearing event. An echo of one of our
// drafts replaces the draft in one transaction.
func (e *Engine) applyMessage(ctx context.Context, conv *model.Conversation, env protocol.Envelope, buf *notify.Buffer) error {
	ev := model.EventFromEnvelope(env)
	if t, ok := ev.Body["text"].(string); ok {
		ev.Body = maps.Clone(ev.Body)
		ev.Body["text"] = protocol.NormalizeText(t)
	}

	members, err := e.repo.Members(ctx, conv.UUID)
	if err != nil {
		return storeFailed("list members", conv.UUID, err)
	}
	var ours []string
	ev.Distribution = make([]string, 0, len(members))
	for _, m := range members {
		ev.Distribution = append(ev.Distribution, m.UUID)
		if m.UserUUID == e.user {
			ours = append(ours, m.UUID)
		}
	}
	state := protocol.StateOf(env.Body)
	ev.Seen = state.SeenByAny(ours)

	var draftUUID string
	if ev.TID != "" {
		d, err := e.repo.Draft(ctx, conv.UUID, ev.TID)
		switch {
		case err == nil:
			draftUUID = d.UUID
		case !store.IsNotFound(err):
			return storeFailed("find draft", conv.UUID, err)
		}
	}
	if draftUUID != "" {
		err = e.repo.ReplaceDraft(ctx, draftUUID, ev)
	} else {
		err = e.repo.SaveEvent(ctx, ev)
	}
	if err != nil {
		return storeFailed("save event", conv.UUID, err)
	}

	if env.Type == protocol.TypeMemberMedia {
		if err := e.applyMedia(ctx, conv.UUID, env); err != nil {
			return err
		}
	}

	if ev.Timestamp.After(conv.LastUpdated) {
		conv.LastUpdated = ev.Timestamp
	}
	buf.Add(
		notify.EventInserted{Conversation: conv.UUID, Event: ev.UUID},
		notify.ConversationUpdated{Conversation: conv.UUID},
	)
	if sent, ok := e.queue.Observe(ctx, ev); ok {
		buf.Add(sent)
	}

	fromUs := slices.Contains(ours, ev.From)
	if !fromUs && len(ours) > 0 && ev.Type == protocol.TypeText && !state.DeliveredToAny(ours) {
		e.indicateDelivered(ctx, conv.UUID, ev)
	}
	return nil
}

func (e *Engine) indicateDelivered(ctx context.Context, conversation string, ev model.Event) {
	me, err := e.repo.OurMember(ctx, conversation, e.user)
	if err != nil {
		e.logger.Warn("no member to acknowledge delivery", "conversation", conversation, "event", ev.UUID, "error", err)
		return
	}
	err = e.queue.MarkDelivered(ctx, ev.UUID, me.UUID)
	if err != nil && !errors.Is(err, taskqueue.ErrDuplicateTask) {
		e.logger.Error("enqueue delivery receipt", "event", ev.UUID, "error", err)
	}
}

// applyMedia updates the audio state of the member that sent member:media.
func (e *Engine) applyMedia(ctx context.Context, conversation string, env protocol.Envelope) error {
	body, err := protocol.DecodeBody[protocol.MediaBody](env.Body)
	if err != nil {
		return malformed("decode media body", conversation, err)
	}
	m, err := e.repo.Member(ctx, env.From)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return storeFailed("load member", conversation, err)
	}
	m.Media = model.Media{AudioEnabled: body.Audio}
	if s := body.AudioSettings; s != nil {
		m.Media.AudioEnabled = body.Audio || s.Enabled
		m.Media.Muted = s.Muted
		m.Media.Earmuffed = s.Earmuffed
	}
	if err := e.repo.SaveMember(ctx, m); err != nil {
		return storeFailed("update member media", conversation, err)
	}
	return nil
}

// applyReceipt advances a receipt. Receipts never move backwards.
func (e *Engine) applyReceipt(ctx context.Context, conv *model.Conversation, env protocol.Envelope, buf *notify.Buffer) error {
	body, err := env.ReceiptBody()
	if err != nil {
		return malformed("decode receipt body", conv.UUID, err)
	}
	target := model.EventUUID(conv.UUID, body.EventID)
	id := model.ReceiptUUID(env.From, target)

	rc, err := e.repo.Receipt(ctx, id)
	switch {
	case store.IsNotFound(err):
		rc = model.Receipt{UUID: id, MemberUUID: env.From, EventUUID: target}
	case err != nil:
		return storeFailed("load receipt", conv.UUID, err)
	}

	var changed bool
	if env.Type.IsSeen() {
		if rc.State < model.ReceiptDelivered {
			e.logger.Error("seen receipt without delivered receipt",
				"conversation", conv.UUID,
				"event", target,
				"member", env.From,
			)
		}
		changed = rc.MarkSeen(env.Timestamp)
	} else {
		changed = rc.MarkDelivered(env.Timestamp)
	}
	if !changed {
		return nil
	}
	if err := e.repo.SaveReceipt(ctx, rc); err != nil {
		return storeFailed("save receipt", conv.UUID, err)
	}
	buf.Add(notify.ReceiptChanged{
		Conversation: conv.UUID,
		Event:        target,
		Member:       env.From,
		State:        rc.State,
	})
	return nil
}

// applyDelete blanks the target and drops tasks still pending for it. The
// queue applies deletes it performed itself right away; their echo is
// recognised by the stored delete event and only advances the index.
func (e *Engine) applyDelete(ctx context.Context, conv *model.Conversation, env protocol.Envelope, buf *notify.Buffer) error {
	_, err := e.repo.Event(ctx, model.EventUUID(conv.UUID, env.ID))
	if err == nil {
		return nil
	}
	if !store.IsNotFound(err) {
		return storeFailed("load event", conv.UUID, err)
	}

	target, err := e.queue.RemoveDeleted(ctx, env)
	if err != nil {
		if protocol.IsMalformed(err) {
			return malformed("decode delete body", conv.UUID, err)
		}
		return storeFailed("apply delete", conv.UUID, err)
	}
	buf.Add(notify.EventDeleted{Conversation: conv.UUID, Event: target})
	return nil
}
