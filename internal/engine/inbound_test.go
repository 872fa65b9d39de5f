package engine

import (
	"context"
	"maps"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/store"
)

// await collects notifications until one of type T arrives.
func await[T notify.Notification](f *fixture) (T, []notify.Notification) {
	f.t.Helper()
	var seen []notify.Notification
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-f.sub.C():
			require.True(f.t, ok, "subscription closed")
			for _, n := range b.Items {
				seen = append(seen, n)
				if v, ok := n.(T); ok {
					return v, seen
				}
			}
		case <-deadline:
			var zero T
			f.t.Fatalf("timed out waiting for %T", zero)
			return zero, seen
		}
	}
}

func (f *fixture) last(conversation string) protocol.Envelope {
	f.t.Helper()
	events := f.remote.Events(conversation)
	require.NotEmpty(f.t, events)
	return events[len(events)-1]
}

func TestReceive_AppliesNextEvent(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()

	f.push(f.text("CON-1", myMember, "hi"))
	got := f.settle()

	inserted := ofType[notify.EventInserted](got)
	require.Len(t, inserted, 1)
	assert.Equal(t, "CON-1:1", inserted[0].Event)
	assert.Len(t, ofType[notify.ConversationUpdated](got), 1)
	assert.Equal(t, int64(1), f.conv("CON-1").MostRecentEventIndex)
}

func TestReceive_OutOfOrderBackfills(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()

	e1 := f.text("CON-1", myMember, "one")
	e2 := f.text("CON-1", myMember, "two")
	e3 := f.text("CON-1", myMember, "three")

	f.push(e3)
	f.push(e1)
	f.push(e2)
	got := f.settle()

	var ids []string
	for _, n := range ofType[notify.EventInserted](got) {
		ids = append(ids, n.Event)
	}
	assert.Equal(t, []string{"CON-1:1", "CON-1:2", "CON-1:3"}, ids)
	assert.Len(t, ofType[notify.ConversationModified](got), 1)

	assert.Equal(t, int64(3), f.conv("CON-1").MostRecentEventIndex)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Backfills))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.EventsSkipped), "the two late envelopes are duplicates")
}

func TestReceive_DuplicateSkipped(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()

	env := f.text("CON-1", myMember, "once")
	f.push(env)
	f.push(env)
	got := f.settle()

	assert.Len(t, ofType[notify.EventInserted](got), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsSkipped))
}

func TestReceive_TextIsNormalized(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()

	// "e" followed by a combining acute accent.
	f.push(f.text("CON-1", myMember, "cafe\u0301"))
	f.settle()

	ev, err := f.repo.Event(context.Background(), "CON-1:1")
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", ev.Body["text"])
}

func TestReceive_SendEchoFiresOneEventSent(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()
	ctx := context.Background()

	draft, err := f.queue.SendDraft(ctx, f.queue.NewTextDraft("CON-1", myMember, "hello"))
	require.NoError(t, err)

	f.eventually(func() bool { return len(f.remote.Sent()) == 1 }, "send reaches the server")
	f.push(f.last("CON-1"))

	sent, _ := await[notify.EventSent](f)
	assert.Equal(t, draft.UUID, sent.Draft)
	assert.Equal(t, "CON-1:1", sent.Event)

	rest := f.settle()
	assert.Empty(t, ofType[notify.EventSent](rest), "exactly one EventSent per draft")

	_, err = f.repo.Event(ctx, draft.UUID)
	assert.True(t, store.IsNotFound(err), "draft replaced by the echo")
	ev, err := f.repo.Event(ctx, "CON-1:1")
	require.NoError(t, err)
	assert.Equal(t, draft.TID, ev.TID)
	assert.False(t, ev.IsDraft)

	f.eventually(func() bool {
		tasks, err := f.queue.Tasks(ctx)
		return err == nil && len(tasks) == 0
	}, "send task completed")
}

func TestReceive_ForeignTextGetsDeliveryReceipt(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()

	f.push(f.text("CON-1", "MEM-2", "hi there"))
	f.settle()

	f.eventually(func() bool {
		for _, p := range f.remote.Sent() {
			if p.Type == protocol.TypeTextDelivered && p.From == myMember && p.Body["event_id"] == "1" {
				return true
			}
		}
		return false
	}, "delivered indication sent")
}

func TestReceive_TextAlreadyDeliveredNoReceipt(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()

	f.push(f.remote.Append(protocol.Envelope{
		CID:  "CON-1",
		From: "MEM-2",
		Type: protocol.TypeText,
		Body: map[string]any{
			"text": "hi",
			"state": map[string]any{
				"delivered_to": map[string]any{myMember: "2024-01-01T12:00:00Z"},
				"seen_by":      map[string]any{myMember: "2024-01-01T12:00:00Z"},
			},
		},
	}))
	f.settle()

	ev, err := f.repo.Event(context.Background(), "CON-1:1")
	require.NoError(t, err)
	assert.True(t, ev.Seen)

	tasks, err := f.queue.Tasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestReceive_ReceiptsOnlyMoveForward(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()
	ctx := context.Background()

	f.push(f.text("CON-1", myMember, "x"))
	f.settle()

	receipt := func(typ protocol.EventType) []notify.Notification {
		f.push(f.remote.Append(protocol.Envelope{
			CID:  "CON-1",
			From: "MEM-2",
			Type: typ,
			Body: map[string]any{"event_id": "1"},
		}))
		return f.settle()
	}
	id := model.ReceiptUUID("MEM-2", "CON-1:1")

	// Seen before delivered is kept.
	changed := ofType[notify.ReceiptChanged](receipt(protocol.TypeTextSeen))
	require.Len(t, changed, 1)
	assert.Equal(t, model.ReceiptSeen, changed[0].State)

	// A late delivered does not regress it.
	assert.Empty(t, ofType[notify.ReceiptChanged](receipt(protocol.TypeTextDelivered)))

	rc, err := f.repo.Receipt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptSeen, rc.State)
	assert.Equal(t, int64(3), f.conv("CON-1").MostRecentEventIndex)
}

func TestReceive_LeaveAndRejoin(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()
	ctx := context.Background()

	require.NoError(t, f.remote.Kick(ctx, "CON-1", "MEM-2"))
	f.push(f.last("CON-1"))
	left := ofType[notify.MemberLeft](f.settle())
	require.Len(t, left, 1)
	assert.Equal(t, "MEM-2", left[0].Member)

	require.NoError(t, f.remote.Join(ctx, "CON-1", "USR-2"))
	rejoin := f.last("CON-1")
	f.push(rejoin)
	added := ofType[notify.MemberAdded](f.settle())
	require.Len(t, added, 1)
	assert.Equal(t, rejoin.From, added[0].Member)

	members, err := f.repo.Members(ctx, "CON-1")
	require.NoError(t, err)
	var rows []model.Member
	for _, m := range members {
		if m.UserUUID == "USR-2" {
			rows = append(rows, m)
		}
	}
	require.Len(t, rows, 2, "a rejoin is a new member row")

	current, err := f.repo.OurMember(ctx, "CON-1", "USR-2")
	require.NoError(t, err)
	assert.Equal(t, rejoin.From, current.UUID)
	assert.Equal(t, model.MemberJoined, current.State)

	old, err := f.repo.Member(ctx, "MEM-2")
	require.NoError(t, err)
	assert.Equal(t, model.MemberLeft, old.State)
}

func TestReceive_InviteToUnknownConversation(t *testing.T) {
	f := newFixture(t)
	f.remote.AddConversation(remote.ConversationDetail{
		UUID: "CON-9",
		Name: "party",
		Members: []remote.MemberRecord{
			{UUID: "MEM-2", UserUUID: "USR-2", Name: "alice", State: "JOINED"},
		},
	})
	f.startSynced()

	require.NoError(t, f.remote.Invite(context.Background(), "CON-9", "me", true))
	env := f.last("CON-9")
	body := maps.Clone(env.Body)
	body["invited_by"] = "alice"
	env.Body = body
	f.push(env)

	inserted, _ := await[notify.ConversationInserted](f)
	assert.Equal(t, "CON-9", inserted.Conversation)
	assert.Equal(t, notify.ReasonInvitedBy, inserted.Reason)
	assert.Equal(t, "MEM-2", inserted.InvitedBy)
	require.NotNil(t, inserted.Media)
	assert.True(t, inserted.Media.AudioEnabled)

	f.settle()
	c := f.conv("CON-9")
	assert.Equal(t, "party", c.Name)
	assert.Equal(t, int64(1), c.MostRecentEventIndex)
	assert.False(t, c.Dirty())
}

func TestReceive_UnknownConversationIgnored(t *testing.T) {
	f := newFixture(t)
	f.startSynced()

	f.push(f.text("CON-X", "MEM-2", "hi"))
	got := f.settle()

	assert.Empty(t, got)
	_, err := f.repo.Conversation(context.Background(), "CON-X")
	assert.True(t, store.IsNotFound(err))
}

func TestReceive_TypingAndSignals(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()

	f.push(protocol.Envelope{CID: "CON-1", From: "MEM-2", Type: protocol.TypeTextTypingOn})
	f.push(f.remote.Append(protocol.Envelope{
		CID:  "CON-1",
		From: "MEM-2",
		Type: protocol.TypeRTCNew,
		Body: map[string]any{"rtc_id": "r1"},
	}))
	got := f.settle()

	typing := ofType[notify.Typing](got)
	require.Len(t, typing, 1)
	assert.Equal(t, notify.Typing{Conversation: "CON-1", Member: "MEM-2", On: true}, typing[0])

	signals := ofType[notify.Signal](got)
	require.Len(t, signals, 1)
	assert.Equal(t, protocol.TypeRTCNew, signals[0].Type)
	assert.Equal(t, "r1", signals[0].Body["rtc_id"])

	// Signals advance the index but are not stored.
	assert.Equal(t, int64(1), f.conv("CON-1").MostRecentEventIndex)
	_, err := f.repo.Event(context.Background(), "CON-1:1")
	assert.True(t, store.IsNotFound(err))
}

func TestReceive_PushedDelete(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()
	ctx := context.Background()

	f.push(f.text("CON-1", myMember, "oops"))
	f.settle()

	del, err := f.remote.DeleteEvent(ctx, "1", "MEM-2", "CON-1")
	require.NoError(t, err)
	f.push(del)
	deleted := ofType[notify.EventDeleted](f.settle())
	require.Len(t, deleted, 1)
	assert.Equal(t, "CON-1:1", deleted[0].Event)

	ev, err := f.repo.Event(ctx, "CON-1:1")
	require.NoError(t, err)
	assert.True(t, ev.Deleted())
	assert.Empty(t, ev.Body["text"])
	assert.Equal(t, int64(2), f.conv("CON-1").MostRecentEventIndex)

	f.push(del)
	assert.Empty(t, ofType[notify.EventDeleted](f.settle()), "a replayed delete is skipped")
}

func TestReceive_MalformedFailsUntilReconnect(t *testing.T) {
	f := newFixture(t)
	f.conversation("CON-1")
	f.startSynced()

	// Never appended to the server log, so the reconnect sync is clean.
	f.push(protocol.Envelope{ID: "1", CID: "CON-1", From: "MEM-2", Type: protocol.TypeTextSeen, Body: map[string]any{}})
	batches := f.until(StateFailed)

	sc := ofType[notify.StateChanged](items(batches))
	assert.Contains(t, sc[len(sc)-1].Reason, string(ErrCodeMalformedPayload))
	assert.Equal(t, StateFailed, f.engine.State())
	assert.Equal(t, int64(0), f.conv("CON-1").MostRecentEventIndex)

	require.NoError(t, f.engine.Reconnect())
	f.until(StateInactive)
	assert.Equal(t, StateInactive, f.engine.State())
}
