package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/metrics"
	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/store"
	"github.com/roach88/convsync/internal/taskqueue"
	"github.com/roach88/convsync/internal/testutil"
)

const (
	me       = "USR-ME"
	myMember = "MEM-ME"
)

type fixture struct {
	t       *testing.T
	clock   *testutil.DeterministicClock
	repo    *store.Repo
	remote  *testutil.FakeRemote
	hub     *notify.Hub
	sub     *notify.Subscription
	queue   *taskqueue.Queue
	metrics *metrics.Metrics
	engine  *Engine

	// sentinel counts typing sentinels sent by settle.
	sentinel int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		clock:   testutil.NewDeterministicClock(),
		repo:    testutil.OpenRepo(t),
		hub:     notify.NewHub(),
		metrics: metrics.New(nil),
	}
	f.remote = testutil.NewFakeRemote(f.clock)
	f.remote.AddUser(remote.UserRecord{UUID: me, Name: "me"})
	f.remote.AddUser(remote.UserRecord{UUID: "USR-2", Name: "alice"})
	f.remote.AddUser(remote.UserRecord{UUID: "USR-3", Name: "bob"})

	f.sub = f.hub.Subscribe()
	t.Cleanup(f.hub.Close)

	discard := slog.New(slog.DiscardHandler)
	f.queue = taskqueue.New(f.repo, f.remote, f.hub,
		taskqueue.WithRetryDelay(0),
		taskqueue.WithTIDGenerator(testutil.NewSequenceGenerator("tid")),
		taskqueue.WithClock(f.clock),
		taskqueue.WithLogger(discard),
	)
	base := []Option{WithLogger(discard), WithMetrics(f.metrics)}
	f.engine = New(f.repo, f.remote, f.queue, f.hub, me, append(base, opts...)...)
	return f
}

// conversation registers a conversation on the fake server with us and
// alice as joined members.
func (f *fixture) conversation(uuid string) {
	f.remote.AddConversation(remote.ConversationDetail{
		UUID:    uuid,
		Name:    "name-" + uuid,
		Created: testutil.ClockBase,
		Members: []remote.MemberRecord{
			{UUID: myMember, UserUUID: me, Name: "me", State: "JOINED"},
			{UUID: "MEM-2", UserUUID: "USR-2", Name: "alice", State: "JOINED"},
		},
	})
}

// start runs the queue and the engine until the test ends.
func (f *fixture) start() {
	f.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	engineDone := make(chan error, 1)
	go func() {
		defer close(queueDone)
		_ = f.queue.Run(ctx)
	}()
	go func() { engineDone <- f.engine.Run(ctx) }()

	f.t.Cleanup(func() {
		cancel()
		select {
		case <-queueDone:
		case <-time.After(5 * time.Second):
			f.t.Error("queue did not stop")
		}
		select {
		case <-engineDone:
		case <-time.After(5 * time.Second):
			f.t.Error("engine did not stop")
		}
	})
}

// startSynced starts the loops and waits for the initial sync to finish.
func (f *fixture) startSynced() []notify.Batch {
	f.t.Helper()
	f.start()
	return f.until(StateInactive)
}

// until collects batches up to and including the transition to state.
func (f *fixture) until(state State) []notify.Batch {
	f.t.Helper()
	var out []notify.Batch
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-f.sub.C():
			require.True(f.t, ok, "subscription closed")
			out = append(out, b)
			for _, n := range b.Items {
				if sc, ok := n.(notify.StateChanged); ok && sc.State == state.String() {
					return out
				}
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for state %s", state)
			return out
		}
	}
}

// settle pushes a typing indication and waits for it, so every envelope
// pushed before has been handled. Returns the notifications seen on the
// way.
func (f *fixture) settle() []notify.Notification {
	f.t.Helper()
	f.sentinel++
	member := "SENTINEL-" + protocol.FormatID(int64(f.sentinel))
	f.push(protocol.Envelope{CID: "CON-1", From: member, Type: protocol.TypeTextTypingOn})

	var out []notify.Notification
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-f.sub.C():
			require.True(f.t, ok, "subscription closed")
			for _, n := range b.Items {
				if ty, ok := n.(notify.Typing); ok && ty.Member == member {
					return out
				}
				out = append(out, n)
			}
		case <-deadline:
			f.t.Fatal("timed out waiting for the engine to settle")
			return out
		}
	}
}

func (f *fixture) push(env protocol.Envelope) {
	f.t.Helper()
	require.NoError(f.t, f.engine.Submit(env))
}

// text appends a text event to the server log.
func (f *fixture) text(conversation, from, text string) protocol.Envelope {
	return f.remote.Append(protocol.Envelope{
		CID:  conversation,
		From: from,
		Type: protocol.TypeText,
		Body: map[string]any{"text": text},
	})
}

func (f *fixture) saveConversation(c model.Conversation) {
	f.t.Helper()
	require.NoError(f.t, f.repo.SaveConversation(context.Background(), c))
}

func (f *fixture) conv(uuid string) model.Conversation {
	f.t.Helper()
	c, err := f.repo.Conversation(context.Background(), uuid)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) eventually(cond func() bool, msg string) {
	f.t.Helper()
	require.Eventually(f.t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func items(batches []notify.Batch) []notify.Notification {
	var out []notify.Notification
	for _, b := range batches {
		out = append(out, b.Items...)
	}
	return out
}

func ofType[T notify.Notification](ns []notify.Notification) []T {
	var out []T
	for _, n := range ns {
		if v, ok := n.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// batchWith returns the first batch holding a T.
func batchWith[T notify.Notification](t *testing.T, batches []notify.Batch) notify.Batch {
	t.Helper()
	for _, b := range batches {
		if len(ofType[T](b.Items)) > 0 {
			return b
		}
	}
	var zero T
	t.Fatalf("no batch with %T", zero)
	return notify.Batch{}
}
