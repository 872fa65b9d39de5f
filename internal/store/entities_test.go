package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/model"
)

func TestMembers_RejoinAppendsRow(t *testing.T) {
	r := createTestRepo(t)
	ctx := context.Background()

	first := model.Member{UUID: "MEM-1", ConversationUUID: "CON-1", UserUUID: "USR-1", State: model.MemberJoined}
	require.NoError(t, r.SaveMember(ctx, first))

	require.NoError(t, first.Advance(model.MemberLeft, testTime))
	require.NoError(t, r.SaveMember(ctx, first))

	second := model.Member{UUID: "MEM-7", ConversationUUID: "CON-1", UserUUID: "USR-1", State: model.MemberJoined}
	require.NoError(t, r.SaveMember(ctx, second))

	members, err := r.Members(ctx, "CON-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, model.MemberLeft, members[0].State)
	assert.True(t, members[0].Timestamps[model.MemberLeft].Equal(testTime))

	ours, err := r.OurMember(ctx, "CON-1", "USR-1")
	require.NoError(t, err)
	assert.Equal(t, "MEM-7", ours.UUID)

	ids, err := r.OurMemberIDs(ctx, "CON-1", "USR-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"MEM-1", "MEM-7"}, ids)

	_, err = r.OurMember(ctx, "CON-1", "USR-9")
	assert.True(t, IsNotFound(err))
}

func TestMembers_RequireConversation(t *testing.T) {
	r := createTestRepo(t)
	err := r.SaveMember(context.Background(), model.Member{UUID: "MEM-1", ConversationUUID: "CON-404", UserUUID: "USR-1"})
	assert.Error(t, err)
}

func TestUsers_Upsert(t *testing.T) {
	r := createTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.SaveUser(ctx, model.User{UUID: "USR-1", Name: "alice"}))
	require.NoError(t, r.SaveUser(ctx, model.User{UUID: "USR-1", Name: "alice", DisplayName: "Alice"}))

	u, err := r.Store().GetUser(ctx, "USR-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.DisplayName)
}

func TestReceipts_ForwardOnlyInTable(t *testing.T) {
	r := createTestRepo(t)
	ctx := context.Background()
	uuid := model.ReceiptUUID("MEM-2", "CON-1:1")

	seen := model.Receipt{UUID: uuid, MemberUUID: "MEM-2", EventUUID: "CON-1:1"}
	seen.MarkDelivered(testTime)
	seen.MarkSeen(testTime.Add(time.Minute))
	require.NoError(t, r.SaveReceipt(ctx, seen))

	// A stale writer that only knows "delivered" must not regress the row.
	stale := model.Receipt{UUID: uuid, MemberUUID: "MEM-2", EventUUID: "CON-1:1"}
	stale.MarkDelivered(testTime.Add(2 * time.Minute))
	require.NoError(t, r.SaveReceipt(ctx, stale))

	got, err := r.Receipt(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptSeen, got.State)
	assert.True(t, got.DeliveredAt.Equal(testTime))
	assert.True(t, got.SeenAt.Equal(testTime.Add(time.Minute)))

	list, err := r.Receipts(ctx, "CON-1:1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConversations_DirtyListing(t *testing.T) {
	r := createTestRepo(t)
	ctx := context.Background()

	clean := testConversation("CON-2")
	clean.DataIncomplete = false
	require.NoError(t, r.SaveConversation(ctx, clean))

	dirty := testConversation("CON-3")
	dirty.DataIncomplete = false
	dirty.RequiresSync = true
	require.NoError(t, r.SaveConversation(ctx, dirty))

	list, err := r.DirtyConversations(ctx)
	require.NoError(t, err)
	var ids []string
	for _, c := range list {
		ids = append(ids, c.UUID)
	}
	assert.Equal(t, []string{"CON-1", "CON-3"}, ids)
}

func TestTasks_Lifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.InsertTask(ctx, model.Task{Type: model.TaskIndicateSeen, Related: "CON-1:1", CreatedAt: testTime})
	require.NoError(t, err)
	b, err := s.InsertTask(ctx, model.Task{Type: model.TaskIndicateSeen, Related: "CON-1:2", CreatedAt: testTime})
	require.NoError(t, err)

	_, err = s.InsertTask(ctx, model.Task{Type: model.TaskIndicateSeen, Related: "CON-1:1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	a.BeingProcessed = true
	require.NoError(t, s.UpdateTask(ctx, a))
	b.Exhausted = true
	b.RetryCount = 3
	require.NoError(t, s.UpdateTask(ctx, b))

	pending, err := s.PendingTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err := s.ClearTaskProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.ResetExhausted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err = s.PendingTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, 0, pending[1].RetryCount)

	found, err := s.FindTask(ctx, model.TaskIndicateSeen, "CON-1:2")
	require.NoError(t, err)
	assert.Equal(t, b.ID, found.ID)

	require.NoError(t, s.DeleteTask(ctx, a.ID))
	_, err = s.FindTask(ctx, model.TaskIndicateSeen, "CON-1:1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateTask(ctx, a)
	assert.ErrorIs(t, err, ErrNotFound)
}
