package convsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/config"
	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/testutil"
)

const me = "USR-ME"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "convsync.db")
	cfg.AttachmentDir = filepath.Join(t.TempDir(), "attachments")
	cfg.AutoReconnect = false
	return cfg
}

func newRemote() *testutil.FakeRemote {
	r := testutil.NewFakeRemote(testutil.NewDeterministicClock())
	r.AddUser(remote.UserRecord{UUID: me, Name: "me"})
	r.AddUser(remote.UserRecord{UUID: "USR-2", Name: "alice"})
	r.AddConversation(remote.ConversationDetail{
		UUID:    "CON-1",
		Name:    "general",
		Created: testutil.ClockBase,
		Members: []remote.MemberRecord{
			{UUID: "MEM-ME", UserUUID: me, Name: "me", State: "JOINED"},
			{UUID: "MEM-2", UserUUID: "USR-2", Name: "alice", State: "JOINED"},
		},
	})
	return r
}

func open(t *testing.T, cfg config.Config, r *testutil.FakeRemote) *Client {
	t.Helper()
	c, err := Open(cfg, me, r,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithTIDGenerator(testutil.NewSequenceGenerator("tid")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// startSynced starts c and waits for the first full sync to finish.
func startSynced(t *testing.T, c *Client, sub *notify.Subscription) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			for _, n := range b.Items {
				if sc, ok := n.(notify.StateChanged); ok && sc.State == engine.StateInactive.String() {
					return
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for the initial sync")
		}
	}
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxParallelTasks = 0
	_, err := Open(cfg, me, newRemote())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestOpen_RejectsEmptyUser(t *testing.T) {
	_, err := Open(testConfig(t), "", newRemote())
	assert.Error(t, err)
}

func TestClient_SyncsAndSends(t *testing.T) {
	r := newRemote()
	c := open(t, testConfig(t), r)
	sub := c.Subscribe()
	defer sub.Close()
	startSynced(t, c, sub)

	ctx := context.Background()
	convs, err := c.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "CON-1", convs[0].UUID)

	members, err := c.Members(ctx, "CON-1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	draft, err := c.SendText(ctx, "CON-1", "hello")
	require.NoError(t, err)
	assert.True(t, draft.IsDraft)
	assert.Equal(t, "MEM-ME", draft.From)

	require.Eventually(t, func() bool { return len(r.Events("CON-1")) == 1 },
		2*time.Second, 5*time.Millisecond, "send reaches the server")

	echo := r.Events("CON-1")[0]
	raw, err := json.Marshal(echo)
	require.NoError(t, err)
	require.NoError(t, c.ReceiveRaw(raw))

	sent := testutil.Expect[notify.EventSent](t, sub)
	assert.Equal(t, draft.UUID, sent.Draft)
	assert.Equal(t, model.EventUUID("CON-1", echo.ID), sent.Event)

	require.Eventually(t, func() bool {
		tasks, err := c.Tasks(ctx)
		return err == nil && len(tasks) == 0
	}, 2*time.Second, 5*time.Millisecond, "send task completes")

	n, err := c.Events("CON-1").Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the draft is replaced by the echo")
}

func TestClient_MarkSeenTwice(t *testing.T) {
	r := newRemote()
	r.Append(protocol.Envelope{CID: "CON-1", From: "MEM-2", Type: protocol.TypeText, Body: map[string]any{"text": "hi"}})
	c := open(t, testConfig(t), r)
	sub := c.Subscribe()
	defer sub.Close()
	startSynced(t, c, sub)

	ctx := context.Background()
	require.NoError(t, c.MarkSeen(ctx, "CON-1:1"))
	assert.NoError(t, c.MarkSeen(ctx, "CON-1:1"))
}

func TestClient_NotMember(t *testing.T) {
	c := open(t, testConfig(t), newRemote())
	ctx := context.Background()

	_, err := c.SendText(ctx, "CON-9", "hello")
	assert.ErrorIs(t, err, ErrNotMember)
	assert.ErrorIs(t, c.SetTyping(ctx, "CON-9", true), ErrNotMember)
	assert.ErrorIs(t, c.Leave(ctx, "CON-9"), ErrNotMember)
}

func TestClient_ReceiveRawMalformed(t *testing.T) {
	c := open(t, testConfig(t), newRemote())
	err := c.ReceiveRaw([]byte(`{"cid": 7}`))
	require.Error(t, err)
	assert.True(t, protocol.IsMalformed(err))
}

func TestClient_PushDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.PushNotifications = false
	c := open(t, cfg, newRemote())
	assert.ErrorIs(t, c.HandlePushPayload([]byte(`{}`)), ErrPushDisabled)
}

func TestClient_ClearAllData(t *testing.T) {
	cfg := testConfig(t)
	r := newRemote()

	c := open(t, cfg, r)
	sub := c.Subscribe()
	startSynced(t, c, sub)
	sub.Close()
	convs, err := c.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.NoError(t, c.Close())

	cfg.ClearAllData = true
	c2 := open(t, cfg, r)
	convs, err = c2.Conversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c := open(t, testConfig(t), newRemote())
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Start(context.Background()), engine.ErrClosed)
}

func TestClient_WaitBeforeStart(t *testing.T) {
	c := open(t, testConfig(t), newRemote())
	assert.ErrorIs(t, c.Wait(), ErrNotStarted)
}

func TestClient_DownloadWithoutDownloader(t *testing.T) {
	c := open(t, testConfig(t), newRemote())
	_, err := c.Download(context.Background(), "k", "https://example.com/a.png")
	assert.ErrorIs(t, err, ErrNoDownloader)
	c.Prefetch("k", "https://example.com/a.png")
}
