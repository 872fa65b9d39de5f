package taskqueue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/store"
	"github.com/roach88/convsync/internal/testutil"
)

type fixture struct {
	repo   *store.Repo
	remote *testutil.FakeRemote
	hub    *notify.Hub
	sub    *notify.Subscription
	queue  *Queue
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewDeterministicClock()
	f := &fixture{
		repo:   testutil.OpenRepo(t, "CON-1"),
		remote: testutil.NewFakeRemote(clock),
		hub:    notify.NewHub(),
	}
	f.remote.AddConversation(remote.ConversationDetail{UUID: "CON-1", Name: "general"})
	f.sub = f.hub.Subscribe()
	t.Cleanup(f.sub.Close)

	f.queue = f.newQueue(opts...)
	return f
}

// newQueue builds another queue over the same store, as a restarted
// process would.
func (f *fixture) newQueue(opts ...Option) *Queue {
	base := []Option{
		WithRetryDelay(0),
		WithTIDGenerator(testutil.NewSequenceGenerator("tid")),
		WithClock(testutil.NewDeterministicClock()),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	return New(f.repo, f.remote, f.hub, append(base, opts...)...)
}

// run starts q.Run and stops it when the test ends. The queue stays paused
// until Resume.
func run(t *testing.T, q *Queue) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	stopped := false
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	}
	t.Cleanup(stop)
	return stop
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	run(t, f.queue)
	f.queue.Resume()
}

func (f *fixture) tasks(t *testing.T) []model.Task {
	t.Helper()
	tasks, err := f.queue.Tasks(context.Background())
	require.NoError(t, err)
	return tasks
}

func (f *fixture) eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// storeConfirmed saves a server event locally, as the engine would.
func (f *fixture) storeConfirmed(t *testing.T, id, text string) model.Event {
	t.Helper()
	ev := model.Event{
		UUID:             model.EventUUID("CON-1", id),
		ID:               id,
		ConversationUUID: "CON-1",
		Type:             "text",
		From:             "MEM-2",
		Timestamp:        testutil.ClockBase,
		Body:             map[string]any{"text": text},
	}
	require.NoError(t, f.repo.SaveEvent(context.Background(), ev))
	return ev
}
